package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"livepoll/internal/intake"
	"livepoll/internal/lifecycle"
	"livepoll/internal/monitor"
	"livepoll/internal/poll"
	"livepoll/internal/queue"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fixture struct {
	st  *store.Memory
	q   *queue.Memory
	srv *Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	for _, p := range []*poll.Poll{
		{
			ID: "p1", JoinCode: "LIVE01", Title: "Colours", Status: poll.StatusActive,
			Questions: []poll.Question{{
				ID: "q1", Text: "Pick", Type: poll.SingleChoice, Required: true,
				Options: []poll.Option{{ID: "red", Text: "Red"}, {ID: "blue", Text: "Blue"}},
			}},
			Settings: poll.Settings{ShowResultsLive: true},
		},
		{ID: "p2", JoinCode: "HIDE01", Title: "Hidden", Status: poll.StatusDraft,
			Questions: []poll.Question{{ID: "q1", Text: "Why", Type: poll.TextQuestion}}},
	} {
		if err := st.CreatePoll(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	mon := monitor.New(64, 10, logx.Nop())
	q := queue.NewMemory(queue.Options{MaxAttempts: 1, Observer: mon})
	t.Cleanup(func() { _ = q.Close() })

	srv := New(Config{AdminToken: token}, Deps{
		Votes:     intake.New(st, st, q, logx.Nop()),
		Lifecycle: lifecycle.New(st, nil, logx.Nop()),
		Polls:     st,
		Records:   st,
		Queue:     q,
		Monitor:   mon,
		Ping:      st.Ping,
		Runtime:   func() any { return map[string]int{"workers": 5} },
	}, logx.Nop())
	return &fixture{st: st, q: q, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func vote(pollID, session, option string) map[string]any {
	return map[string]any{
		"pollId":    pollID,
		"sessionId": session,
		"answers":   []map[string]any{{"questionId": "q1", "selectedOptions": []string{option}}},
	}
}

func TestSubmitVote(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPost, "/api/votes", vote("p1", "s1", "red"), "")
	if code != http.StatusCreated || body["voteId"] == "" || body["success"] != true {
		t.Fatalf("submit = %d %v", code, body)
	}
	if _, err := f.q.Get(context.Background(), body["voteId"].(string)); err != nil {
		t.Fatalf("job not queued: %v", err)
	}

	code, body = f.do(t, http.MethodGet, "/api/votes/check/p1/s1", nil, "")
	if code != http.StatusOK || body["hasVoted"] != true {
		t.Fatalf("check = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/api/votes/check/p1/s2", nil, "")
	if code != http.StatusOK || body["hasVoted"] != false {
		t.Fatalf("check other = %d %v", code, body)
	}
}

func TestSubmitVoteErrors(t *testing.T) {
	f := newFixture(t, "")
	if code, _ := f.do(t, http.MethodPost, "/api/votes", vote("p1", "s1", "red"), ""); code != http.StatusCreated {
		t.Fatalf("seed vote = %d", code)
	}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"duplicate session", vote("p1", "s1", "blue"), http.StatusBadRequest},
		{"unknown option", vote("p1", "s2", "green"), http.StatusBadRequest},
		{"missing session", vote("p1", "", "red"), http.StatusBadRequest},
		{"poll not active", vote("p2", "s1", "red"), http.StatusBadRequest},
		{"poll not found", vote("nope", "s1", "red"), http.StatusNotFound},
		{"malformed json", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/api/votes", tt.body, "")
			if code != tt.want || body["success"] != false || body["message"] == "" {
				t.Fatalf("got %d %v, want %d", code, body, tt.want)
			}
		})
	}
}

func TestLiveResults(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/api/results/live/live01", nil, "")
	if code != http.StatusOK {
		t.Fatalf("live = %d %v", code, body)
	}
	results := body["results"].(map[string]any)
	if results["joinCode"] != "LIVE01" {
		t.Fatalf("results = %v", results)
	}
	opt := results["questions"].([]any)[0].(map[string]any)["options"].([]any)[0].(map[string]any)
	if pct, ok := opt["percentage"].(float64); !ok || pct != 0 {
		t.Fatalf("percentage before any vote = %v", opt["percentage"])
	}
	if code, _ := f.do(t, http.MethodGet, "/api/results/live/HIDE01", nil, ""); code != http.StatusForbidden {
		t.Fatalf("hidden = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/results/live/ZZZZZZ", nil, ""); code != http.StatusNotFound {
		t.Fatalf("missing = %d", code)
	}
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()

	if code, _ := f.do(t, http.MethodPost, "/api/admin/polls/p2/start", nil, ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/admin/polls/p2/start", nil, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", code)
	}
	code, body := f.do(t, http.MethodPost, "/api/admin/polls/p2/start", nil, "s3cret")
	if code != http.StatusOK || body["poll"].(map[string]any)["status"] != "active" {
		t.Fatalf("start = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/admin/polls/p2/start", nil, "s3cret"); code != http.StatusBadRequest {
		t.Fatalf("restart active = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/admin/polls/nope/end", nil, "s3cret"); code != http.StatusNotFound {
		t.Fatalf("end missing = %d", code)
	}

	// Dead-letter one job, then re-drive it.
	if err := f.q.Add(ctx, queue.Job{ID: "v1", Payload: []byte("{}")}); err != nil {
		t.Fatal(err)
	}
	d, _ := f.q.Reserve(ctx)
	_ = f.q.Fail(ctx, d, errors.New("boom"))

	code, body = f.do(t, http.MethodGet, "/api/admin/queue", nil, "s3cret")
	if code != http.StatusOK || body["queue"].(map[string]any)["failed"].(float64) != 1 {
		t.Fatalf("queue = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/api/admin/queue/failed?limit=5", nil, "s3cret")
	if code != http.StatusOK || len(body["jobs"].([]any)) != 1 {
		t.Fatalf("failed = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/admin/queue/failed/v1/retry", nil, "s3cret"); code != http.StatusOK {
		t.Fatalf("retry = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/admin/queue/failed/v1/retry", nil, "s3cret"); code != http.StatusConflict {
		t.Fatalf("retry waiting job = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/admin/queue/failed/zz/retry", nil, "s3cret"); code != http.StatusNotFound {
		t.Fatalf("retry unknown = %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/api/admin/runtime?token=s3cret", nil, "")
	if code != http.StatusOK || body["runtime"] == nil {
		t.Fatalf("runtime = %d %v", code, body)
	}
}

func TestPollReport(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()

	for i, opt := range []string{"red", "red", "blue", "red"} {
		if code, body := f.do(t, http.MethodPost, "/api/votes", vote("p1", fmt.Sprintf("s%d", i), opt), ""); code != http.StatusCreated {
			t.Fatalf("vote %d = %d %v", i, code, body)
		}
	}
	// p2 is a text poll; store its answers directly.
	for i, text := range []string{"fast", "", "cheap"} {
		v := &poll.Vote{ID: fmt.Sprintf("t%d", i), PollID: "p2", SessionID: fmt.Sprintf("t%d", i),
			Answers: []poll.Answer{{QuestionID: "q1", TextAnswer: text}}}
		if err := f.st.CreateVote(ctx, v, false); err != nil {
			t.Fatal(err)
		}
	}

	if code, _ := f.do(t, http.MethodGet, "/api/admin/results/p1", nil, ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	code, body := f.do(t, http.MethodGet, "/api/admin/results/p1", nil, "s3cret")
	if code != http.StatusOK {
		t.Fatalf("report = %d %v", code, body)
	}
	r := body["results"].(map[string]any)
	// Nothing aggregated yet: the counter lags the records.
	if r["totalVotes"].(float64) != 0 || r["recordedVotes"].(float64) != 4 || r["startedAt"] != nil {
		t.Fatalf("report totals = %v", r)
	}
	q := r["questions"].([]any)[0].(map[string]any)
	red := q["options"].([]any)[0].(map[string]any)
	if q["totalResponses"].(float64) != 4 || red["voteCount"].(float64) != 3 || red["percentage"].(float64) != 75 {
		t.Fatalf("question = %v", q)
	}

	code, body = f.do(t, http.MethodGet, "/api/admin/results/p2", nil, "s3cret")
	q = body["results"].(map[string]any)["questions"].([]any)[0].(map[string]any)
	answers := q["textAnswers"].([]any)
	if code != http.StatusOK || q["totalResponses"].(float64) != 2 || len(answers) != 2 {
		t.Fatalf("text report = %d %v", code, q)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/admin/results/nope", nil, "s3cret"); code != http.StatusNotFound {
		t.Fatalf("missing poll = %d", code)
	}
}

func TestServeReturnsWhenListenerFails(t *testing.T) {
	f := newFixture(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	// ctx stays live: serve must not wait for it once Serve has failed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.srv.serve(ctx, brokenListener{ln}) }()

	select {
	case err := <-done:
		if err == nil || errors.Is(err, context.Canceled) {
			t.Fatalf("serve err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the listener failed")
	}
}

type brokenListener struct{ net.Listener }

func (brokenListener) Accept() (net.Conn, error) { return nil, errors.New("accept: listener broken") }

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/health", nil, "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}

	f.srv.d.Ping = func(context.Context) error { return errors.New("db down") }
	if code, _ := f.do(t, http.MethodGet, "/health", nil, ""); code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health = %d", code)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, "")
	f.srv.d.Votes = panicVotes{}
	code, body := f.do(t, http.MethodGet, "/api/votes/check/p1/s1", nil, "")
	if code != http.StatusInternalServerError || body["message"] != "Internal server error" {
		t.Fatalf("panic = %d %v", code, body)
	}
}

type panicVotes struct{}

func (panicVotes) Submit(context.Context, intake.SubmitRequest) (string, error) { return "", nil }
func (panicVotes) HasVoted(context.Context, string, string) (bool, error)       { panic("boom") }
