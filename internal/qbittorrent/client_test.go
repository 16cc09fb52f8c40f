package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/pool"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// fakeAPI is a minimal qBittorrent Web API.
type fakeAPI struct {
	mu         sync.Mutex
	sid        string
	logins     atomic.Int32
	forms      []map[string]string
	addStatus  int
	addBody    string
	categories map[string]string
	hashes     string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sid: "sid-1", addStatus: http.StatusOK, addBody: "Ok.", categories: map[string]string{}, hashes: "[]"}
}

func (f *fakeAPI) authed(r *http.Request) bool {
	c, err := r.Cookie("SID")
	f.mu.Lock()
	defer f.mu.Unlock()
	return err == nil && c.Value == f.sid
}

func (f *fakeAPI) submitted() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.forms...)
}

func (f *fakeAPI) category(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.categories[name]
}

func (f *fakeAPI) expire(newSID string) {
	f.mu.Lock()
	f.sid = newSID
	f.mu.Unlock()
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			_, _ = w.Write([]byte("Fails."))
			return
		}
		f.mu.Lock()
		sid := f.sid
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: sid, Path: "/"})
		_, _ = w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v2/app/version", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("v4.6.0"))
	})
	mux.HandleFunc("/api/v2/torrents/add", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.forms = append(f.forms, form)
		status, body := f.addStatus, f.addBody
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/api/v2/torrents/createCategory", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		name := r.PostForm.Get("category")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.categories[name]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.categories[name] = r.PostForm.Get("savePath")
	})
	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(f.hashes))
	})
	return mux
}

func connect(t *testing.T, api *fakeAPI, password string) (torrent.Session, error) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	conn := NewConnector(Config{BaseURL: srv.URL + "/", Username: "admin", Password: password, Timeout: 5 * time.Second}, zap.NewNop())
	return conn.Factory()(context.Background(), pool.TierWrite)
}

func TestConnectLogsIn(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)
	require.NoError(t, sess.Ping(context.Background()))
	require.EqualValues(t, 1, api.logins.Load())
	require.NoError(t, sess.Close())
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	_, err := connect(t, newFakeAPI(), "wrong")
	require.Error(t, err)
	require.Equal(t, torrent.KindAuth, torrent.KindOf(err))
	require.False(t, torrent.Retryable(err))
}

func TestSubmitSendsForm(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	err = sess.Submit(context.Background(), torrent.SubmitRequest{
		Magnet:   "magnet:?xt=urn:btih:abc",
		Hash:     "abc",
		Name:     "Show.S01E01",
		Category: "tv",
		SavePath: "/volume1/tv",
		Paused:   true,
	})
	require.NoError(t, err)
	forms := api.submitted()
	require.Len(t, forms, 1)
	form := forms[0]
	require.Equal(t, "magnet:?xt=urn:btih:abc", form["urls"])
	require.Equal(t, "tv", form["category"])
	require.Equal(t, "/volume1/tv", form["savepath"])
	require.Equal(t, "true", form["paused"])
	require.Equal(t, "Show.S01E01", form["rename"])
}

func TestSubmitFailsReplyIsDuplicate(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.addBody = "Fails."
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	err = sess.Submit(context.Background(), torrent.SubmitRequest{Magnet: "magnet:?xt=urn:btih:abc", Hash: "abc"})
	require.ErrorIs(t, err, torrent.ErrDuplicate)
}

func TestSubmitStatusErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		status int
		kind   torrent.ErrorKind
	}{
		{http.StatusServiceUnavailable, torrent.KindServer},
		{http.StatusUnsupportedMediaType, torrent.KindBadRequest},
		{http.StatusTooManyRequests, torrent.KindRateLimit},
	} {
		api := newFakeAPI()
		api.addStatus = tc.status
		sess, err := connect(t, api, "secret")
		require.NoError(t, err)

		err = sess.Submit(context.Background(), torrent.SubmitRequest{Magnet: "m"})
		var downstream *torrent.DownstreamError
		require.True(t, errors.As(err, &downstream))
		require.Equal(t, tc.status, downstream.StatusCode)
		require.Equal(t, tc.kind, torrent.KindOf(err))
	}
}

func TestExpiredSessionLogsInAgain(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	api.expire("sid-2")
	require.NoError(t, sess.Submit(context.Background(), torrent.SubmitRequest{Magnet: "m"}))
	require.EqualValues(t, 2, api.logins.Load())
}

func TestCreateDestinationIsIdempotent(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	require.NoError(t, sess.CreateDestination(context.Background(), "tv", "/downloads/tv"))
	require.NoError(t, sess.CreateDestination(context.Background(), "tv", "/downloads/tv"))
	require.Equal(t, "/downloads/tv", api.category("tv"))
}

func TestKnownHashes(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.hashes = `[{"hash":"ABCDEF","name":"a"},{"hash":"0123","name":"b"}]`
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	hashes, err := sess.KnownHashes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"abcdef", "0123"}, hashes)
}

// TestKnownHashesLargeLibrary lists a library whose info body is well past the plain response cap.
func TestKnownHashesLargeLibrary(t *testing.T) {
	t.Parallel()

	const count = 3000
	padding := strings.Repeat("x", 2000)
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"hash":"%040X","name":"%s"}`, i, padding)
	}
	b.WriteString("]")
	require.Greater(t, b.Len(), maxResponseBody)

	api := newFakeAPI()
	api.hashes = b.String()
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	hashes, err := sess.KnownHashes(context.Background())
	require.NoError(t, err)
	require.Len(t, hashes, count)
	require.Equal(t, fmt.Sprintf("%040x", count-1), hashes[count-1])
}

func TestKnownHashesAfterExpiredSession(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.hashes = `[{"hash":"AA"}]`
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	api.expire("sid-2")
	hashes, err := sess.KnownHashes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"aa"}, hashes)
	require.EqualValues(t, 2, api.logins.Load())
}

func TestKnownHashesMalformedBody(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.hashes = `[{"hash":"AA"},`
	sess, err := connect(t, api, "secret")
	require.NoError(t, err)

	_, err = sess.KnownHashes(context.Background())
	require.ErrorContains(t, err, "decode info")
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newFakeAPI().handler())
	conn := NewConnector(Config{BaseURL: srv.URL, Username: "admin", Password: "secret"}, nil)
	sess, err := conn.Connect(context.Background(), pool.TierRead)
	require.NoError(t, err)
	srv.Close()

	err = sess.Ping(context.Background())
	require.Error(t, err)
	require.Equal(t, torrent.KindNetwork, torrent.KindOf(err))
	require.True(t, torrent.IsDownstreamFailure(err))
}
