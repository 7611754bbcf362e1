package approval

import (
	"reflect"
	"testing"
)

func TestEvaluateProductionAndHighRisk(t *testing.T) {
	e := NewEvaluator(0)

	required, triggers := e.Evaluate("rm -rf /tmp/x", []TargetHost{
		{Environment: "Production"},
	})
	if !required {
		t.Fatalf("approval not required")
	}
	want := []string{TriggerProductionEnvironment, TriggerHighRiskCommand}
	if !reflect.DeepEqual(triggers, want) {
		t.Errorf("triggers = %v, want %v", triggers, want)
	}
}

func TestEvaluateHighRiskSubstrings(t *testing.T) {
	e := NewEvaluator(0)

	risky := []string{
		"sudo rm -rf /",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		":(){ :|:& };:",
		"echo x > /dev/sda",
		"truncate -s 0 /var/log/syslog",
		"SHUTDOWN -h now",
	}
	for _, cmd := range risky {
		if ok, _ := e.Evaluate(cmd, nil); !ok {
			t.Errorf("%q not flagged", cmd)
		}
	}

	if ok, triggers := e.Evaluate("echo hello", []TargetHost{{Environment: "staging"}}); ok {
		t.Errorf("benign command flagged: %v", triggers)
	}
}

func TestEvaluateTargetThreshold(t *testing.T) {
	e := NewEvaluator(3)

	hosts := make([]TargetHost, 4)
	ok, triggers := e.Evaluate("uptime", hosts)
	if !ok || len(triggers) != 1 || triggers[0] != TriggerTargetCountThreshold {
		t.Errorf("threshold: ok=%v triggers=%v", ok, triggers)
	}

	if ok, _ := e.Evaluate("uptime", hosts[:3]); ok {
		t.Errorf("at-threshold count flagged")
	}
}

func TestEvaluateCriticalGroup(t *testing.T) {
	e := NewEvaluator(0)

	ok, triggers := e.Evaluate("uptime", []TargetHost{
		{Environment: "staging", GroupID: "g1"},
		{Environment: "staging", GroupID: "g2", GroupCritical: true},
	})
	if !ok || len(triggers) != 1 || triggers[0] != TriggerCriticalGroup {
		t.Errorf("critical group: ok=%v triggers=%v", ok, triggers)
	}
}
