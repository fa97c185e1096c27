package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/cliniko-referrals/internal/testutil"
	"github.com/Sternrassler/cliniko-referrals/pkg/client"
	"github.com/Sternrassler/cliniko-referrals/pkg/pipeline"
	"github.com/Sternrassler/cliniko-referrals/pkg/referrals"
	"github.com/rs/zerolog"
)

func newTestRunner(t *testing.T) (*testutil.MockCliniko, *pipeline.Runner) {
	t.Helper()

	mock := testutil.NewMockCliniko()
	t.Cleanup(mock.Close)

	mock.AddContact("10", referrals.Contact{FirstName: "Jane", LastName: "Doe"})
	mock.AddPatient(1, "10")
	mock.AddPatient(2, "10")
	mock.AddPatient(3, "")

	cfg := client.DefaultConfig("test-key", "au1", "TestApp (test@example.com)")
	cfg.BaseURL = mock.URL()
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond}
	c, err := client.New(cfg, nil)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	return mock, pipeline.NewRunner(c, nil, pipeline.DefaultOptions(), zerolog.Nop())
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	want := map[string]bool{"serve": false, "run": false, "check": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestRunAggregation(t *testing.T) {
	_, runner := newTestRunner(t)

	var out bytes.Buffer
	if err := runAggregation(context.Background(), runner, &out); err != nil {
		t.Fatalf("runAggregation() error = %v", err)
	}

	var phases []string
	var last map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &last); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		phases = append(phases, last["phase"].(string))
	}

	if got := strings.Join(phases, ","); got != "fetching,fetching,processing,processing,complete" {
		t.Errorf("phases = %s", got)
	}
	if last["totalPatients"] != float64(3) || last["patientsWithKnownDoctor"] != float64(2) {
		t.Errorf("complete event = %v", last)
	}
}

func TestRunAggregation_Error(t *testing.T) {
	mock, runner := newTestRunner(t)
	mock.Script("/v1/patients", testutil.NewStatusResponse(401, `{"message":"unauthorized"}`))

	var out bytes.Buffer
	err := runAggregation(context.Background(), runner, &out)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(out.String(), `"phase":"error"`) {
		t.Errorf("output should end with an error event, got %s", out.String())
	}
}

func TestRunCheck(t *testing.T) {
	_, runner := newTestRunner(t)

	var out bytes.Buffer
	if err := runCheck(context.Background(), runner, &out); err != nil {
		t.Fatalf("runCheck() error = %v", err)
	}
	if !strings.Contains(out.String(), "3 patients") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConnectRedis_Empty(t *testing.T) {
	rdb, err := connectRedis(context.Background(), "")
	if err != nil || rdb != nil {
		t.Errorf("connectRedis(\"\") = %v, %v; want nil, nil", rdb, err)
	}
}

func TestConnectRedis_BadURL(t *testing.T) {
	if _, err := connectRedis(context.Background(), "redis://localhost:notaport"); err == nil {
		t.Error("expected parse error")
	}
}
