package cron

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/vargos/pkg/protocol"
)

type triggerRecorder struct {
	mu       sync.Mutex
	payloads []protocol.CronTriggerPayload
}

func (r *triggerRecorder) emit(event string, payload any) error {
	if event != protocol.EventCronTrigger {
		return nil
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, payload.(protocol.CronTriggerPayload))
	r.mu.Unlock()
	return nil
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newService() (*Service, *triggerRecorder) {
	rec := &triggerRecorder{}
	svc := New(time.UTC, nil, nil)
	svc.SetEmit(rec.emit)
	return svc, rec
}

func TestAddTask_Defaults(t *testing.T) {
	svc, _ := newService()
	long := strings.Repeat("poll the feeds and summarize anything new ", 5)

	task, err := svc.AddTask(TaskSpec{ID: "hb", Schedule: "* * * * *", Task: long}, AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if task.Name != "hb" {
		t.Errorf("name default = %q", task.Name)
	}
	if !task.Enabled {
		t.Error("enabled should default to true")
	}
	if len(task.Description) != 100 {
		t.Errorf("description = %d chars, want 100-char prefix", len(task.Description))
	}
}

func TestAddTask_RejectsBadSchedule(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.AddTask(TaskSpec{ID: "x", Schedule: "not cron", Task: "t"}, AddOptions{}); err == nil {
		t.Error("invalid schedule accepted")
	}
	if _, err := svc.AddTask(TaskSpec{Schedule: "* * * * *", Task: "t"}, AddOptions{}); err == nil {
		t.Error("missing id accepted")
	}
}

func TestTriggerTask_EmitsWithSessionKey(t *testing.T) {
	svc, rec := newService()
	svc.AddTask(TaskSpec{ID: "hb", Schedule: "* * * * *", Task: "poll"}, AddOptions{})

	fired, err := svc.TriggerTask("hb")
	if err != nil || !fired {
		t.Fatalf("fired=%v err=%v", fired, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.payloads) != 1 {
		t.Fatalf("payloads = %d", len(rec.payloads))
	}
	p := rec.payloads[0]
	if p.TaskID != "hb" || p.Task != "poll" || !strings.HasPrefix(p.SessionKey, "cron:hb:") {
		t.Errorf("payload = %+v", p)
	}
}

func TestBeforeFireHook_SkipsTick(t *testing.T) {
	svc, rec := newService()
	svc.AddTask(TaskSpec{ID: "hb", Schedule: "* * * * *", Task: "poll"}, AddOptions{})

	// Hook returning false cancels the tick.
	svc.OnBeforeFire("hb", func(Task) bool { return false })
	fired, err := svc.TriggerTask("hb")
	if err != nil {
		t.Fatal(err)
	}
	if fired || rec.count() != 0 {
		t.Error("hook did not cancel the tick")
	}

	// Replacing the hook re-enables firing.
	svc.OnBeforeFire("hb", func(Task) bool { return true })
	fired, _ = svc.TriggerTask("hb")
	if !fired || rec.count() != 1 {
		t.Error("replaced hook did not fire")
	}
}

func TestUpdateTask_DisableStopsFiring(t *testing.T) {
	svc, _ := newService()
	svc.AddTask(TaskSpec{ID: "job", Schedule: "* * * * *", Task: "x"}, AddOptions{})

	off := false
	task, err := svc.UpdateTask("job", TaskSpec{Enabled: &off})
	if err != nil {
		t.Fatal(err)
	}
	if task.Enabled {
		t.Error("task still enabled after update")
	}

	if _, err := svc.UpdateTask("missing", TaskSpec{}); err == nil {
		t.Error("update of unknown task succeeded")
	}
}

func TestRemoveTask(t *testing.T) {
	svc, _ := newService()
	svc.AddTask(TaskSpec{ID: "job", Schedule: "* * * * *", Task: "x"}, AddOptions{})

	if !svc.RemoveTask("job") {
		t.Error("existing task not removed")
	}
	if svc.RemoveTask("job") {
		t.Error("second remove reported true")
	}
	if len(svc.List()) != 0 {
		t.Error("task still listed")
	}
}

func TestPersist_SkipsEphemeral(t *testing.T) {
	var mu sync.Mutex
	var lastPersisted []Task
	svc := New(time.UTC, func(tasks []Task) error {
		mu.Lock()
		lastPersisted = tasks
		mu.Unlock()
		return nil
	}, nil)

	svc.AddTask(TaskSpec{ID: "keep", Schedule: "* * * * *", Task: "x"}, AddOptions{})
	svc.AddTask(TaskSpec{ID: "tmp", Schedule: "* * * * *", Task: "y"}, AddOptions{Ephemeral: true})

	mu.Lock()
	defer mu.Unlock()
	if len(lastPersisted) != 1 || lastPersisted[0].ID != "keep" {
		t.Errorf("persisted = %+v, ephemeral task leaked", lastPersisted)
	}
}

func TestStartAll_ArmsOnlyEnabled(t *testing.T) {
	svc, _ := newService()
	off := false
	svc.AddTask(TaskSpec{ID: "on", Schedule: "* * * * *", Task: "x"}, AddOptions{})
	svc.AddTask(TaskSpec{ID: "off", Schedule: "* * * * *", Task: "y", Enabled: &off}, AddOptions{})

	svc.StartAll()
	defer svc.StopAll()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.tasks["on"].timer == nil {
		t.Error("enabled task not armed")
	}
	if svc.tasks["off"].timer != nil {
		t.Error("disabled task armed")
	}
}
