package service

import (
	"context"
	"errors"
	"testing"
)

// recordingService tracks the lifecycle calls it receives and can be made
// to fail at any stage.
type recordingService struct {
	calls []string

	initErr     error
	configErr   error
	validateErr error
	runErr      error
}

func (s *recordingService) Initialize(*Container) error {
	s.calls = append(s.calls, "initialize")
	return s.initErr
}

func (s *recordingService) Configure() error {
	s.calls = append(s.calls, "configure")
	return s.configErr
}

func (s *recordingService) Validate() error {
	s.calls = append(s.calls, "validate")
	return s.validateErr
}

func (s *recordingService) Run(context.Context) error {
	s.calls = append(s.calls, "run")
	return s.runErr
}

func (s *recordingService) Finalize() {
	s.calls = append(s.calls, "finalize")
}

func equalCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecuteLifecycleOrder(t *testing.T) {
	svc := &recordingService{}
	if err := Execute(context.Background(), svc, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"initialize", "configure", "validate", "run", "finalize"}
	if !equalCalls(svc.calls, want) {
		t.Fatalf("calls = %v, want %v", svc.calls, want)
	}
}

func TestExecuteFinalizesOnRunError(t *testing.T) {
	svc := &recordingService{runErr: errors.New("boom")}
	if err := Execute(context.Background(), svc, nil, nil); err == nil {
		t.Fatal("expected error from failing Run")
	}
	if svc.calls[len(svc.calls)-1] != "finalize" {
		t.Fatalf("calls = %v, want finalize last", svc.calls)
	}
}

func TestExecuteSkipsRunOnValidateError(t *testing.T) {
	svc := &recordingService{validateErr: errors.New("bad config")}
	if err := Execute(context.Background(), svc, nil, nil); err == nil {
		t.Fatal("expected error from failing Validate")
	}
	want := []string{"initialize", "configure", "validate", "finalize"}
	if !equalCalls(svc.calls, want) {
		t.Fatalf("calls = %v, want %v", svc.calls, want)
	}
}

func TestExecuteNoFinalizeOnInitializeError(t *testing.T) {
	svc := &recordingService{initErr: errors.New("no sockets")}
	if err := Execute(context.Background(), svc, nil, nil); err == nil {
		t.Fatal("expected error from failing Initialize")
	}
	want := []string{"initialize"}
	if !equalCalls(svc.calls, want) {
		t.Fatalf("calls = %v, want %v", svc.calls, want)
	}
}
