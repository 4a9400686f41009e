package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
)

func newRequest(t *testing.T, method, rawURL string) *model.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &model.Request{Method: method, URL: u, Header: http.Header{}}
}

func okSource(status int, body string) RequestHandler {
	return HandlerFunc[*model.Request, *model.Response](func(context.Context, *model.Request) (*model.Response, error) {
		return model.NewResponse(status, []byte(body)), nil
	})
}

// appendStage appends a marker to the body so tests can observe ordering.
func appendStage(marker string) ResponseHandler {
	return HandlerFunc[*model.Exchange, *model.Response](func(_ context.Context, ex *model.Exchange) (*model.Response, error) {
		out := ex.Response.Clone()
		out.Body = append(out.Body, marker...)
		return out, nil
	})
}

func TestChain_StagesRunInOrder(t *testing.T) {
	chain := Respond(okSource(http.StatusOK, ""), appendStage("a"), appendStage("b"), appendStage("c"))

	resp, err := chain.Handle(context.Background(), newRequest(t, http.MethodGet, "https://proxy.example/"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if string(resp.Body) != "abc" {
		t.Errorf("body = %q, want %q", resp.Body, "abc")
	}
}

func TestChain_ProtocolErrorFlowsThroughStages(t *testing.T) {
	source := HandlerFunc[*model.Request, *model.Response](func(context.Context, *model.Request) (*model.Response, error) {
		return nil, oauth.InvalidGrant("Code challenges do not match.")
	})

	var sawStatus int
	observe := HandlerFunc[*model.Exchange, *model.Response](func(_ context.Context, ex *model.Exchange) (*model.Response, error) {
		sawStatus = ex.Response.Status
		return ex.Response, nil
	})

	resp, err := Respond(source, observe).Handle(context.Background(), newRequest(t, http.MethodPost, "https://proxy.example/token"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.Status, http.StatusBadRequest)
	}
	if sawStatus != http.StatusBadRequest {
		t.Errorf("stage saw status %d, want %d", sawStatus, http.StatusBadRequest)
	}
}

func TestChain_FaultShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	failing := HandlerFunc[*model.Exchange, *model.Response](func(context.Context, *model.Exchange) (*model.Response, error) {
		return nil, boom
	})
	ran := false
	after := HandlerFunc[*model.Exchange, *model.Response](func(_ context.Context, ex *model.Exchange) (*model.Response, error) {
		ran = true
		return ex.Response, nil
	})

	_, err := Respond(okSource(http.StatusOK, ""), failing, after).Handle(context.Background(), newRequest(t, http.MethodGet, "https://proxy.example/"))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if ran {
		t.Error("stage after a fault should not run")
	}
}

func TestChain_SkipsStagesThatCannotHandle(t *testing.T) {
	never := &stageMatcher{
		match: func(context.Context, *model.Exchange) bool { return false },
		stage: appendStage("x"),
	}

	resp, err := Respond(okSource(http.StatusOK, "body"), never).Handle(context.Background(), newRequest(t, http.MethodGet, "https://proxy.example/"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if string(resp.Body) != "body" {
		t.Errorf("body = %q, want %q", resp.Body, "body")
	}
}

func TestChain_NilResponseIsFault(t *testing.T) {
	source := HandlerFunc[*model.Request, *model.Response](func(context.Context, *model.Request) (*model.Response, error) {
		return nil, nil
	})

	_, err := Respond(source).Handle(context.Background(), newRequest(t, http.MethodGet, "https://proxy.example/"))
	if !errors.Is(err, ErrNilResponse) {
		t.Errorf("error = %v, want %v", err, ErrNilResponse)
	}
}

func TestBranch(t *testing.T) {
	isPost := MatchFunc[*model.Request](func(_ context.Context, r *model.Request) bool {
		return r.Method == http.MethodPost
	})
	b := NewBranch[*model.Request, *model.Response](isPost, okSource(http.StatusCreated, ""), okSource(http.StatusOK, ""))

	tests := []struct {
		method string
		want   int
	}{
		{http.MethodPost, http.StatusCreated},
		{http.MethodGet, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp, err := b.Handle(context.Background(), newRequest(t, tt.method, "https://proxy.example/"))
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if resp.Status != tt.want {
				t.Errorf("status = %d, want %d", resp.Status, tt.want)
			}
		})
	}
}

func TestWaterfall(t *testing.T) {
	onlyToken := &requestMatcher{
		match: func(_ context.Context, r *model.Request) bool { return r.URL.Path == "/token" },
		h:     okSource(http.StatusAccepted, ""),
	}
	w := NewWaterfall[*model.Request, *model.Response](onlyToken, okSource(http.StatusOK, ""))

	resp, err := w.Handle(context.Background(), newRequest(t, http.MethodPost, "https://proxy.example/token"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Status != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.Status, http.StatusAccepted)
	}

	empty := NewWaterfall[*model.Request, *model.Response]()
	if empty.CanHandle(context.Background(), newRequest(t, http.MethodGet, "https://proxy.example/")) {
		t.Error("empty waterfall should not handle anything")
	}
	if _, err := empty.Handle(context.Background(), newRequest(t, http.MethodGet, "https://proxy.example/")); !errors.Is(err, ErrNoHandler) {
		t.Errorf("error = %v, want %v", err, ErrNoHandler)
	}
}

type stageMatcher struct {
	match func(context.Context, *model.Exchange) bool
	stage ResponseHandler
}

func (m *stageMatcher) CanHandle(ctx context.Context, ex *model.Exchange) bool {
	return m.match(ctx, ex)
}

func (m *stageMatcher) Handle(ctx context.Context, ex *model.Exchange) (*model.Response, error) {
	return m.stage.Handle(ctx, ex)
}

type requestMatcher struct {
	match func(context.Context, *model.Request) bool
	h     RequestHandler
}

func (m *requestMatcher) CanHandle(ctx context.Context, r *model.Request) bool {
	return m.match(ctx, r)
}

func (m *requestMatcher) Handle(ctx context.Context, r *model.Request) (*model.Response, error) {
	return m.h.Handle(ctx, r)
}
