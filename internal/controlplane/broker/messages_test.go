package broker

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// The routing-key id segments and message fields are the wire contract with
// runner agents, so decode-encode must be the identity for each type.

func TestBuildTaskMessageRoundTrip(t *testing.T) {
	msg := BuildTaskMessage{
		TaskID: "t-1",
		JobID:  "j-1",
		Project: ProjectInfo{
			Name:          "webapp",
			RepositoryURL: "https://git.example.com/org/webapp.git",
			Branch:        "main",
			Commit:        "abc123",
			TriggeredBy:   "operator-7",
		},
		Build: BuildParameters{
			BuildType:  "node",
			EnvVars:    map[string]string{"NODE_ENV": "production"},
			Parameters: map[string]string{"target": "dist"},
		},
		Steps: []BuildStep{
			{ID: "s-1", Name: "install", StepType: StepTypeInstall, Command: "npm ci", TimeoutSecs: 300},
			{ID: "s-2", Name: "lint", StepType: "custom-lint", Command: "npm run lint", ContinueOnFailure: true},
			{ID: "s-3", Name: "package", StepType: StepTypePackage, Script: "#!/bin/sh\nnpm pack\n", ProducesArtifact: true, DockerImage: "node:20"},
		},
		PublishTarget: "registry",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back BuildTaskMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(msg, back) {
		t.Errorf("round trip diverged:\n in: %+v\nout: %+v", msg, back)
	}
}

func TestBuildStatusMessageRoundTrip(t *testing.T) {
	started := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	completed := started.Add(42 * time.Second)
	exit := 0

	msg := BuildStatusMessage{
		TaskID:     "t-1",
		JobID:      "j-1",
		RunnerName: "r1",
		Status:     BuildStatusRunning,
		StepStatus: &StepStatusUpdate{
			StepID:      "s-3",
			Status:      BuildStatusSucceeded,
			StartedAt:   started,
			CompletedAt: &completed,
			ExitCode:    &exit,
			Artifact: &BuildArtifact{
				Path:         "dist/webapp-1.2.0.tgz",
				Name:         "webapp",
				ArtifactType: "tgz",
				Size:         1048576,
				SHA256:       "deadbeef",
				Version:      "1.2.0",
			},
		},
		Timestamp: completed,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back BuildStatusMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(msg, back) {
		t.Errorf("round trip diverged:\n in: %+v\nout: %+v", msg, back)
	}
}

func TestBuildLogMessageRoundTrip(t *testing.T) {
	msg := BuildLogMessage{
		TaskID:     "t-1",
		JobID:      "j-1",
		StepID:     "s-2",
		RunnerName: "r1",
		Level:      LogLevelWarn,
		Content:    "deprecated dependency left-pad",
		Offset:     262144,
		IsFinal:    true,
		Timestamp:  time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back BuildLogMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(msg, back) {
		t.Errorf("round trip diverged:\n in: %+v\nout: %+v", msg, back)
	}
}

func TestTerminalBuildStatus(t *testing.T) {
	terminal := []string{BuildStatusSucceeded, BuildStatusFailed, BuildStatusTimeout, BuildStatusCancelled}
	for _, s := range terminal {
		if !TerminalBuildStatus(s) {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []string{BuildStatusReceived, BuildStatusPreparing, BuildStatusRunning, ""} {
		if TerminalBuildStatus(s) {
			t.Errorf("%s reported terminal", s)
		}
	}
}
