package provenance

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/chengis/chengis/internal/store"
)

// In-toto and DSSE constants.
const (
	StatementType  = "https://in-toto.io/Statement/v1"
	PredicateType  = "https://slsa.dev/provenance/v1"
	BuildType      = "chengis/pipeline/v1"
	BuilderID      = "chengis"
	BuilderVersion = "1.0"
)

// Subject identifies one attested artifact.
type Subject struct {
	Name   string            `json:"name"`
	Digest map[string]string `json:"digest"`
}

// Predicate is the SLSA v1 provenance predicate.
type Predicate struct {
	BuildDefinition BuildDefinition `json:"buildDefinition"`
	RunDetails      RunDetails      `json:"runDetails"`
}

type BuildDefinition struct {
	BuildType          string         `json:"buildType"`
	ExternalParameters map[string]any `json:"externalParameters"`
	InternalParameters map[string]any `json:"internalParameters"`
}

type RunDetails struct {
	Builder    Builder     `json:"builder"`
	Metadata   RunMetadata `json:"metadata"`
	Byproducts []any       `json:"byproducts"`
}

type Builder struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type RunMetadata struct {
	InvocationID string `json:"invocationId"`
	StartedOn    string `json:"startedOn"`
	FinishedOn   string `json:"finishedOn"`
}

// statement is the in-toto statement wrapped by the DSSE envelope.
type statement struct {
	Type      string    `json:"_type"`
	Subject   []Subject `json:"subject"`
	Predicate Predicate `json:"predicate"`
}

// Envelope is a DSSE envelope. Signatures stay empty until an external
// signer countersigns the payload.
type Envelope struct {
	PayloadType string   `json:"payloadType"`
	Payload     string   `json:"payload"`
	Signatures  []string `json:"signatures"`
}

// SLSAPredicate builds the provenance predicate for a build.
func SLSAPredicate(job *store.Job, build *store.Build) Predicate {
	return Predicate{
		BuildDefinition: BuildDefinition{
			BuildType: BuildType,
			ExternalParameters: map[string]any{
				"pipeline":   job.PipelineSource,
				"parameters": build.Parameters,
			},
			InternalParameters: map[string]any{
				"build_id":     build.ID,
				"job_id":       job.ID,
				"build_number": build.BuildNumber,
			},
		},
		RunDetails: RunDetails{
			Builder: Builder{ID: BuilderID, Version: BuilderVersion},
			Metadata: RunMetadata{
				InvocationID: build.ID,
				StartedOn:    build.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
				FinishedOn:   build.CompletedAt.UTC().Format("2006-01-02T15:04:05Z"),
			},
			Byproducts: []any{},
		},
	}
}

// WrapDSSE serializes the in-toto statement and wraps it in a DSSE envelope
// with a base64 payload.
func WrapDSSE(subjects []Subject, predicate Predicate) (string, error) {
	stmt := statement{Type: StatementType, Subject: subjects, Predicate: predicate}
	payload, err := json.Marshal(stmt)
	if err != nil {
		return "", fmt.Errorf("marshaling statement: %w", err)
	}
	env := Envelope{
		PayloadType: PredicateType,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures:  []string{},
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return string(out), nil
}
