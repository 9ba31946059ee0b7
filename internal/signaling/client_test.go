package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
)

type apiStub struct {
	mu     sync.Mutex
	hits   []string
	auth   string
	bodies []string
}

func newAPI(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) (*Client, *apiStub) {
	t.Helper()
	stub := &apiStub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		stub.mu.Lock()
		stub.hits = append(stub.hits, key)
		stub.auth = r.Header.Get("Authorization")
		if r.Body != nil {
			var m map[string]any
			if json.NewDecoder(r.Body).Decode(&m) == nil {
				b, _ := json.Marshal(m)
				stub.bodies = append(stub.bodies, string(b))
			}
		}
		stub.mu.Unlock()
		h, ok := routes[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL + "/api", AuthToken: "tok"}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, stub
}

func reply(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestFetchCredentialsLive(t *testing.T) {
	c, stub := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/live-sessions/s1/viewer-token": reply(`{"success":true,"data":{
			"roomName":"room-s1","viewerAccessToken":"abc","status":"live","title":"Spring drop",
			"hostInfo":{"_id":"h1","name":"Mia"},"currentViewers":42,"startedAt":"2024-05-01T10:00:00Z"}}`),
	})
	creds, err := c.FetchCredentials(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FetchCredentials() error = %v", err)
	}
	s := creds.Session
	if s.RoomName != "room-s1" || creds.AccessToken != "abc" || !s.IsLive() || s.Host.Name != "Mia" || s.CurrentViewers != 42 {
		t.Fatalf("FetchCredentials() = %+v", creds)
	}
	if stub.auth != "Bearer tok" {
		t.Fatalf("Authorization = %q", stub.auth)
	}
}

func TestFetchCredentialsNotLiveStillReturnsMetadata(t *testing.T) {
	c, _ := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/live-sessions/s1/viewer-token": reply(`{"roomName":"room-s1","token":"abc","status":"ended","title":"Gone","endedAt":"2024-05-01T11:00:00Z"}`),
	})
	creds, err := c.FetchCredentials(context.Background(), "s1")
	if !errors.Is(err, core.ErrNotLive) {
		t.Fatalf("FetchCredentials() error = %v, want ErrNotLive", err)
	}
	if creds.Session.Title != "Gone" || creds.Session.Status != domain.StatusEnded || creds.Session.EndedAt == nil {
		t.Fatalf("FetchCredentials() = %+v", creds)
	}
}

func TestFetchCredentialsNotFound(t *testing.T) {
	c, _ := newAPI(t, nil)
	if _, err := c.FetchCredentials(context.Background(), "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("FetchCredentials() error = %v, want ErrNotFound", err)
	}
}

func TestEnvelopeFailureIsError(t *testing.T) {
	c, _ := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/live-sessions/s1/viewer-token": reply(`{"success":false,"message":"nope"}`),
	})
	if _, err := c.FetchCredentials(context.Background(), "s1"); err == nil {
		t.Fatalf("FetchCredentials() error = nil")
	}
}

func TestAnnounceIsBestEffort(t *testing.T) {
	c, stub := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/live-sessions/s1/join": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"POST /api/live-sessions/s1/leave": reply(`{"success":true}`),
	})
	c.AnnounceJoin(context.Background(), "s1")
	c.AnnounceLeave(context.Background(), "s1")
	if len(stub.hits) != 2 {
		t.Fatalf("hits = %v", stub.hits)
	}
}

func TestLiveProducts(t *testing.T) {
	c, _ := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/live-sessions/s1/products": reply(`{"success":true,"data":[
			{"_id":"e1","productId":"p1","productSnapshot":{"name":"Lamp","price":10},"isPinned":true,"addedAt":"2024-05-01T10:00:00Z"},
			{"_id":"e2","productId":"p2","productSnapshot":{"name":"Mug","price":4}}]}`),
	})
	got, err := c.LiveProducts(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LiveProducts() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "e1" || !got[0].IsPinned || got[1].Snapshot.Name != "Mug" {
		t.Fatalf("LiveProducts() = %+v", got)
	}
}

func TestLiveProductsEmpty(t *testing.T) {
	c, _ := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/live-sessions/s1/products": reply(`{"success":true,"data":[]}`),
	})
	got, err := c.LiveProducts(context.Background(), "s1")
	if err != nil || len(got) != 0 {
		t.Fatalf("LiveProducts() = %v, %v", got, err)
	}
}

func TestPostReaction(t *testing.T) {
	c, stub := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/live-sessions/s1/reactions": reply(`{"success":true,"data":{"_id":"r-77"}}`),
	})
	id, err := c.PostReaction(context.Background(), "s1", domain.ReactionWow)
	if err != nil || id != "r-77" {
		t.Fatalf("PostReaction() = %q, %v", id, err)
	}
	if len(stub.bodies) != 1 || stub.bodies[0] != `{"type":"wow"}` {
		t.Fatalf("bodies = %v", stub.bodies)
	}
}

func TestReactionCounts(t *testing.T) {
	c, _ := newAPI(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/live-sessions/s1/reactions/counts": reply(`{"like":3,"wow":2,"total":5}`),
	})
	got, err := c.ReactionCounts(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ReactionCounts() error = %v", err)
	}
	if got.ByType[domain.ReactionLike] != 3 || got.ByType[domain.ReactionWow] != 2 || got.Total != 5 {
		t.Fatalf("ReactionCounts() = %+v", got)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, core.ErrNotFound},
		{http.StatusUnauthorized, core.ErrInvalidToken},
		{http.StatusServiceUnavailable, core.ErrNetwork},
	}
	for _, tc := range cases {
		err := statusError("op", tc.status, nil)
		if !errors.Is(err, tc.want) {
			t.Fatalf("statusError(%d) = %v, want %v", tc.status, err, tc.want)
		}
	}
	if err := statusError("op", http.StatusTeapot, nil); errors.Is(err, core.ErrNetwork) || err == nil {
		t.Fatalf("statusError(418) = %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(Options{BaseURL: "not a url"}, nil); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("NewClient() error = %v, want ErrConfiguration", err)
	}
}
