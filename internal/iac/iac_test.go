package iac

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetect(t *testing.T) {
	cases := []struct {
		files []string
		want  string
	}{
		{[]string{"main.tf", "vars.tf"}, ToolTerraform},
		{[]string{"Pulumi.yaml", "index.ts"}, ToolPulumi},
		{[]string{"template.json"}, ToolCloudFormation},
		{[]string{"template.yaml"}, ToolCloudFormation},
		{[]string{"README.md"}, ""},
		{[]string{"main.tf", "Pulumi.yaml"}, ToolTerraform},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		for _, f := range tc.files {
			touch(t, dir, f)
		}
		got, err := Detect(dir)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("Detect(%v) = %q, want %q", tc.files, got, tc.want)
		}
	}
}

func TestCommands(t *testing.T) {
	plan, err := PlanCommand(ToolTerraform, "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(plan, " ") != "terraform plan -no-color -input=false" {
		t.Errorf("terraform plan: %v", plan)
	}
	apply, _ := ApplyCommand(ToolTerraform, "")
	if strings.Join(apply, " ") != "terraform apply -no-color -input=false -auto-approve" {
		t.Errorf("terraform apply: %v", apply)
	}

	plan, _ = PlanCommand(ToolPulumi, "dev")
	joined := strings.Join(plan, " ")
	if !strings.Contains(joined, "--non-interactive") || !strings.Contains(joined, "--json") {
		t.Errorf("pulumi preview: %v", plan)
	}

	plan, _ = PlanCommand(ToolCloudFormation, "web")
	joined = strings.Join(plan, " ")
	if plan[0] != "aws" || !strings.Contains(joined, "--output json") {
		t.Errorf("cloudformation plan: %v", plan)
	}

	if _, err := PlanCommand("ansible", ""); err == nil {
		t.Error("expected unknown tool error")
	}
}

const tfPlanOutput = `
Terraform will perform the following actions:

  # aws_instance.web will be created
  # aws_instance.old will be destroyed
  # aws_s3_bucket.assets will be updated in-place

Plan: 1 to add, 1 to change, 1 to destroy.
`

func TestParseTerraformPlan(t *testing.T) {
	sum, err := ParsePlan(ToolTerraform, []byte(tfPlanOutput))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Add != 1 || sum.Change != 1 || sum.Destroy != 1 {
		t.Errorf("summary: %+v", sum)
	}
	if len(sum.Resources) != 3 {
		t.Fatalf("resources: %+v", sum.Resources)
	}
	if sum.Resources[0].Type != "aws_instance" || sum.Resources[0].Name != "web" || sum.Resources[0].Action != ActionCreate {
		t.Errorf("first resource: %+v", sum.Resources[0])
	}
	if sum.Resources[1].Action != ActionDelete || sum.Resources[2].Action != ActionUpdate {
		t.Errorf("actions: %+v", sum.Resources)
	}
}

func TestParsePulumiPlan(t *testing.T) {
	out := `{"steps": [
		{"op": "create", "urn": "urn:pulumi:dev::app::aws:s3:Bucket::assets", "newState": {"type": "aws:s3:Bucket"}},
		{"op": "same", "urn": "urn:pulumi:dev::app::aws:ec2:Instance::web", "newState": {"type": "aws:ec2:Instance"}}
	]}`
	sum, err := ParsePlan(ToolPulumi, []byte(out))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Add != 1 || sum.Change != 0 || sum.Destroy != 0 {
		t.Errorf("summary: %+v", sum)
	}
	if sum.Resources[0].Name != "assets" || sum.Resources[1].Action != ActionNoOp {
		t.Errorf("resources: %+v", sum.Resources)
	}
}

func TestParseCloudFormationPlan(t *testing.T) {
	out := `{"Changes": [
		{"ResourceChange": {"Action": "Add", "LogicalResourceId": "WebServer", "ResourceType": "AWS::EC2::Instance"}},
		{"ResourceChange": {"Action": "Remove", "LogicalResourceId": "OldQueue", "ResourceType": "AWS::SQS::Queue"}}
	]}`
	sum, err := ParsePlan(ToolCloudFormation, []byte(out))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Add != 1 || sum.Destroy != 1 {
		t.Errorf("summary: %+v", sum)
	}
	if sum.Resources[0].Name != "WebServer" || sum.Resources[0].Type != "AWS::EC2::Instance" {
		t.Errorf("resources: %+v", sum.Resources)
	}
}

func TestEstimateMonthlyCost(t *testing.T) {
	sum := &PlanSummary{Resources: []ResourceChange{
		{Type: "aws_instance", Name: "web", Action: ActionCreate},
		{Type: "aws_instance", Name: "old", Action: ActionDelete},
		{Type: "aws_s3_bucket", Name: "assets", Action: ActionUpdate},
		{Type: "aws_mystery", Name: "x", Action: ActionCreate},
		{Type: "aws_instance", Name: "same", Action: ActionNoOp},
	}}
	rates := map[string]float64{"aws_instance": 70, "aws_s3_bucket": 5}

	if got := EstimateMonthlyCost(sum, rates); got != 75 {
		t.Errorf("cost = %v, want 75", got)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	for _, s := range []string{"", "{}", strings.Repeat(`{"resources":[]}`, 1000)} {
		enc, err := Compress(s)
		if err != nil {
			t.Fatal(err)
		}
		dec, err := Decompress(enc)
		if err != nil {
			t.Fatal(err)
		}
		if dec != s {
			t.Errorf("round trip changed %d-byte input", len(s))
		}
	}
}

func TestStates_SaveVersionsAndHash(t *testing.T) {
	st := store.NewMemory()
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	states := NewStates(st, fc, 0)

	v1, err := states.Save("p1", "default", `{"resources":[]}`, "alice")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := states.Save("p1", "default", `{"resources":[{"type":"t","name":"n","instances":[]}]}`, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Errorf("versions: %d, %d", v1.Version, v2.Version)
	}

	plain, latest, err := states.Latest("p1", "default")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 || !strings.Contains(plain, `"type":"t"`) {
		t.Errorf("latest: v%d %q", latest.Version, plain)
	}
	if latest.Hash == v1.Hash {
		t.Error("different content should hash differently")
	}
}

func TestStates_SizeLimit(t *testing.T) {
	st := store.NewMemory()
	states := NewStates(st, clock.System{}, 10)

	if _, err := states.Save("p1", "default", strings.Repeat("x", 11), "alice"); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestStates_LockOwnership(t *testing.T) {
	st := store.NewMemory()
	states := NewStates(st, clock.System{}, 0)

	if err := states.Lock("p1", "alice"); err != nil {
		t.Fatal(err)
	}
	// reentrant for the same owner
	if err := states.Lock("p1", "alice"); err != nil {
		t.Errorf("same-owner reacquire: %v", err)
	}
	if err := states.Lock("p1", "bob"); err == nil {
		t.Error("expected refusal for other owner")
	}

	// non-owner release is a no-op
	if err := states.Unlock("p1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := states.Lock("p1", "bob"); err == nil {
		t.Error("lock should survive non-owner release")
	}

	if err := states.ForceUnlock("p1"); err != nil {
		t.Fatal(err)
	}
	if err := states.Lock("p1", "bob"); err != nil {
		t.Errorf("lock after force-unlock: %v", err)
	}
}

func TestDiff(t *testing.T) {
	before := `{"resources":[
		{"type":"aws_instance","name":"web","instances":[{"ami":"a1"}]},
		{"type":"aws_sqs_queue","name":"jobs","instances":[{}]}
	]}`
	after := `{"resources":[
		{"type":"aws_instance","name":"web","instances":[{"ami":"a2"}]},
		{"type":"aws_s3_bucket","name":"assets","instances":[{}]}
	]}`

	diff, err := Diff(before, after)
	if err != nil {
		t.Fatal(err)
	}
	want := &StateDiff{
		Added:   []string{"aws_s3_bucket.assets"},
		Removed: []string{"aws_sqs_queue.jobs"},
		Changed: []string{"aws_instance.web"},
	}
	if !reflect.DeepEqual(diff, want) {
		t.Errorf("diff = %+v, want %+v", diff, want)
	}
}
