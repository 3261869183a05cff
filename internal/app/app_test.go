package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livepoll/internal/config"
	"livepoll/internal/poll"
	"livepoll/internal/realtime"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0", AdminToken: "tok"},
		Logging: config.LoggingConfig{Level: "error"},
		Storage: config.StorageConfig{Driver: "sqlite", Path: t.TempDir() + "/livepoll.db"},
		Workers: config.WorkersConfig{Concurrency: 2, IdleWait: "10ms"},
		Maintenance: config.MaintenanceConfig{
			MonitorSpec: "off",
		},
	}
}

func TestVoteFlowsToRealtimeClients(t *testing.T) {
	a, err := Build(testConfig(t), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &poll.Poll{
		ID: "p1", JoinCode: "ROOM42", Title: "Lunch", Status: poll.StatusDraft,
		Questions: []poll.Question{{
			ID: "q1", Text: "Where?", Type: poll.SingleChoice, Required: true,
			Options: []poll.Option{{ID: "pizza", Text: "Pizza"}, {ID: "sushi", Text: "Sushi"}},
		}},
		Settings: poll.Settings{ShowResultsLive: true},
	}
	if err := a.Store().CreatePoll(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		if err := a.Stop(stopCtx, StopSignal); err != nil {
			t.Errorf("stop: %v", err)
		}
	}()

	select {
	case <-a.Server().Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("http server never came up")
	}
	base := "http://" + a.Server().Addr()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Server().Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"event": realtime.EventJoinPoll, "data": "room42"}); err != nil {
		t.Fatal(err)
	}
	next := func() realtime.Frame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f realtime.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return f
	}
	// Join snapshot.
	if f := next(); f.Event != realtime.EventVoteUpdate {
		t.Fatalf("first frame = %s", f.Event)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/api/admin/polls/p1/start", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start poll = %d", resp.StatusCode)
	}
	if f := next(); f.Event != realtime.EventPollStatus {
		t.Fatalf("expected poll-status, got %s", f.Event)
	}

	body, _ := json.Marshal(map[string]any{
		"pollId":    "p1",
		"sessionId": "s1",
		"answers":   []map[string]any{{"questionId": "q1", "selectedOptions": []string{"sushi"}}},
	})
	resp, err = http.Post(base+"/api/votes", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit = %d", resp.StatusCode)
	}

	f := next()
	var vu realtime.VoteUpdate
	_ = json.Unmarshal(f.Data, &vu)
	if f.Event != realtime.EventVoteUpdate || vu.TotalVotes != 1 {
		t.Fatalf("update = %s %+v", f.Event, vu)
	}
	for _, o := range vu.Questions[0].Options {
		if o.OptionID == "sushi" && o.VoteCount != 1 {
			t.Fatalf("sushi = %d", o.VoteCount)
		}
	}

	stored, err := a.Store().GetPoll(ctx, "p1")
	if err != nil || stored.TotalVotes != 1 || stored.Version != 2 {
		t.Fatalf("stored = %+v err=%v", stored, err)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Driver = "redis"
	if _, err := Build(cfg, nil); err == nil || !strings.Contains(err.Error(), "redis.addr") {
		t.Fatalf("err = %v", err)
	}

	cfg = testConfig(t)
	cfg.Maintenance.ReapSpec = "sometimes"
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("bad cron spec accepted")
	}
}

func TestMaintenanceSpec(t *testing.T) {
	for raw, want := range map[string]string{
		"":           "@every 5s",
		" off ":      "",
		"-":          "",
		"@every 30s": "@every 30s",
	} {
		if got := maintenanceSpec(raw, "@every 5s"); got != want {
			t.Fatalf("maintenanceSpec(%q) = %q, want %q", raw, got, want)
		}
	}
}
