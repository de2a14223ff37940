package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
)

// Remote binds IssueService, ChangeFeed, and Identity to the trk HTTP API.
// Sessions ride on a cookie jar, matching what a browser does. Auth state
// listeners fire from this client's own SignIn/SignOut transitions.
type Remote struct {
	baseURL string
	http    *http.Client

	mu        sync.Mutex
	listeners map[int]func(auth.StateChange)
	nextID    int
}

// NewRemote creates a Remote for the server at baseURL (e.g.
// "http://localhost:8080").
func NewRemote(baseURL string) (*Remote, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Remote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Jar: jar},
		listeners: make(map[int]func(auth.StateChange)),
	}, nil
}

// --- Identity ---

// SignUp registers a new account. It does not open a session.
func (r *Remote) SignUp(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return r.do(ctx, http.MethodPost, "/api/v1/auth/signup", body, nil)
}

// SignIn opens a session and notifies state listeners.
func (r *Remote) SignIn(ctx context.Context, email, password string) (*models.User, error) {
	body := map[string]string{"email": email, "password": password}
	var user models.User
	if err := r.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &user); err != nil {
		return nil, err
	}
	r.notify(auth.StateChange{Event: auth.SignedIn, User: &user})
	return &user, nil
}

// SignOut ends the session and notifies state listeners.
func (r *Remote) SignOut(ctx context.Context) error {
	if err := r.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil); err != nil {
		return err
	}
	r.notify(auth.StateChange{Event: auth.SignedOut})
	return nil
}

// CurrentUser resolves the session's user, or ErrAuthRequired.
func (r *Remote) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := r.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// OnStateChange registers a listener for this client's sign-in/sign-out
// transitions. The returned function unregisters it.
func (r *Remote) OnStateChange(fn func(auth.StateChange)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Remote) notify(change auth.StateChange) {
	r.mu.Lock()
	fns := make([]func(auth.StateChange), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// --- IssueService ---

func (r *Remote) List(ctx context.Context) ([]models.Issue, error) {
	var issues []models.Issue
	if err := r.do(ctx, http.MethodGet, "/api/v1/issues", nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (r *Remote) Insert(ctx context.Context, draft Draft) (*models.Issue, error) {
	var issue models.Issue
	if err := r.do(ctx, http.MethodPost, "/api/v1/issues", draft, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (r *Remote) Update(ctx context.Context, id string, patch DraftPatch) error {
	return r.do(ctx, http.MethodPut, "/api/v1/issues/"+id, patch, nil)
}

func (r *Remote) Delete(ctx context.Context, id string) error {
	// The server answers 204 for unknown ids, so a second delete of the
	// same issue is already a no-op here.
	return r.do(ctx, http.MethodDelete, "/api/v1/issues/"+id, nil, nil)
}

// do issues one API request. Non-2xx responses become StoreError (or
// ErrAuthRequired for 401) carrying the server's error message.
func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return storeErr(method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &StoreError{Op: method + " " + path, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return storeErr(method+" "+path, err)
		}
	}
	return nil
}

// --- ChangeFeed ---

// Subscribe opens the server's SSE stream and delivers parsed change
// events. The stream is scoped server-side to the session's user. The
// cancel function closes the connection; the returned channel closes once
// the stream ends.
func (r *Remote) Subscribe(ctx context.Context) (<-chan events.Event, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/v1/events", nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, storeErr("GET /api/v1/events", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		cancel()
		return nil, nil, ErrAuthRequired
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, nil, &StoreError{Op: "GET /api/v1/events", Message: resp.Status}
	}

	out := make(chan events.Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		readEventStream(resp.Body, out)
	}()

	return out, cancel, nil
}

// readEventStream parses SSE frames and forwards issue change events.
// Heartbeats and unknown event names are skipped; malformed data payloads
// are dropped at this boundary.
func readEventStream(body io.Reader, out chan<- events.Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Frame boundary: dispatch what we have.
			if data != "" && isChangeEvent(eventName) {
				var ev events.Event
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					slog.Warn("dropping malformed change event", "error", err)
				} else {
					out <- ev
				}
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func isChangeEvent(name string) bool {
	switch events.Type(name) {
	case events.TypeInsert, events.TypeUpdate, events.TypeDelete:
		return true
	}
	return false
}
