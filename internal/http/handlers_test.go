package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shopper-dispatch/internal/acceptance"
	"github.com/example/shopper-dispatch/internal/dispatch"
	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/geo"
	"github.com/example/shopper-dispatch/internal/lifecycle"
	"github.com/example/shopper-dispatch/internal/matcher"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/presence"
	"github.com/example/shopper-dispatch/internal/pricing"
	"github.com/example/shopper-dispatch/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := feed.NewHub(64, logger)
	store := storage.NewMemoryStore(hub)
	index := geo.NewIndex()
	writer := &presence.Fanout{
		Primary:   presence.WriterFunc(store.UpsertPresence),
		Secondary: []presence.Writer{presence.WriterFunc(index.Upsert)},
		Logger:    logger,
	}
	acc := acceptance.New(store, acceptance.Config{Attempts: 2, Backoff: time.Millisecond}, logger)
	reg := dispatch.NewRegistry(hub, acc, writer, store, dispatch.RegistryConfig{
		Offers:   dispatch.DefaultConfig(),
		Presence: presence.Config{Attempts: 2, Backoff: time.Millisecond},
		Backfill: 10,
	}, logger)
	t.Cleanup(reg.Close)

	schedule := pricing.DefaultSchedule()
	srv := NewServer(Deps{
		Lifecycle: lifecycle.NewService(store, schedule, lifecycle.WithLogger(logger)),
		Acceptor:  acc,
		Registry:  reg,
		Matcher:   &matcher.Service{Geo: index, TopN: 5},
		Geo:       index,
		Presence:  writer,
		Schedule:  schedule,
	}, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func createBody() createRequestBody {
	return createRequestBody{
		CustomerID:      "cust-1",
		StoreLocation:   &models.Coord{Lat: 52.52, Lng: 13.405},
		DropoffLocation: models.Coord{Lat: 52.53, Lng: 13.41},
		Items:           []models.Item{{Title: "milk", Quantity: 2}},
		BasketEstimate:  50000,
		Tip:             300,
	}
}

func createRequest(t *testing.T, ts *httptest.Server) models.Request {
	t.Helper()
	status, body := call(t, ts, http.MethodPost, "/api/v1/requests", createBody())
	require.Equal(t, http.StatusCreated, status, string(body))
	var r models.Request
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func decodeRequest(t *testing.T, body []byte) models.Request {
	t.Helper()
	var r models.Request
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func TestCreateAndGetRequest(t *testing.T) {
	ts := newTestServer(t)
	created := createRequest(t, ts)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, 1, created.StoreCount)
	assert.Positive(t, created.SubtotalFees)

	status, body := call(t, ts, http.MethodGet, "/api/v1/requests/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.ID, decodeRequest(t, body).ID)

	status, _ = call(t, ts, http.MethodGet, "/api/v1/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateRejectsInvalid(t *testing.T) {
	ts := newTestServer(t)
	b := createBody()
	b.CustomerID = ""
	status, body := call(t, ts, http.MethodPost, "/api/v1/requests", b)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "customer_id")

	resp, err := ts.Client().Post(ts.URL+"/api/v1/requests", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConcurrentAcceptOneWinner(t *testing.T) {
	ts := newTestServer(t)
	r := createRequest(t, ts)

	const n = 8
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _ = call(t, ts, http.MethodPost, "/api/v1/requests/"+r.ID+"/accept",
				providerBody{ProviderID: "p" + string(rune('a'+i))})
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			won++
		case http.StatusConflict:
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, lost)

	status, _ := call(t, ts, http.MethodPost, "/api/v1/requests/nope/accept", providerBody{ProviderID: "pa"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFulfilmentFlow(t *testing.T) {
	ts := newTestServer(t)
	r := createRequest(t, ts)
	base := "/api/v1/requests/" + r.ID

	status, _ := call(t, ts, http.MethodPost, base+"/accept", providerBody{ProviderID: "p1"})
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, ts, http.MethodPost, base+"/start", providerBody{ProviderID: "p2"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, ts, http.MethodPost, base+"/start", providerBody{ProviderID: "p1"})
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, ts, http.MethodPost, base+"/price/approve", nil)
	assert.Equal(t, http.StatusConflict, status, "nothing proposed yet")

	status, _ = call(t, ts, http.MethodPost, base+"/price", providerBody{ProviderID: "p1", Price: -5})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := call(t, ts, http.MethodPost, base+"/price", providerBody{ProviderID: "p1", Price: 48000})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.Money(48000), decodeRequest(t, body).ProposedPrice)

	status, body = call(t, ts, http.MethodPost, base+"/price/approve", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusPriceConfirmed, decodeRequest(t, body).Status)

	status, _ = call(t, ts, http.MethodPost, base+"/cancel", providerBody{Reason: "changed mind"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = call(t, ts, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, status)
	done := decodeRequest(t, body)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.Money(48000), done.FinalPrice)
}

func TestCancelIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	r := createRequest(t, ts)

	for i := 0; i < 2; i++ {
		status, body := call(t, ts, http.MethodPost, "/api/v1/requests/"+r.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, models.StatusCancelled, decodeRequest(t, body).Status)
	}
	status, body := call(t, ts, http.MethodPost, "/api/v1/requests/"+r.ID+"/accept", providerBody{ProviderID: "p1"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), string(acceptance.ReasonNotFound))
}

func TestPresenceNearbyAndCandidates(t *testing.T) {
	ts := newTestServer(t)
	r := createRequest(t, ts)

	status, _ := call(t, ts, http.MethodPost, "/api/v1/providers/near/presence",
		presenceBody{Online: true, Location: &models.Coord{Lat: 52.521, Lng: 13.406}})
	require.Equal(t, http.StatusOK, status)
	status, _ = call(t, ts, http.MethodPost, "/api/v1/providers/far/presence",
		presenceBody{Online: true, Location: &models.Coord{Lat: 52.60, Lng: 13.50}})
	require.Equal(t, http.StatusOK, status)

	status, body := call(t, ts, http.MethodGet, "/api/v1/providers/nearby?lat=52.52&lng=13.405&radius_km=2", nil)
	require.Equal(t, http.StatusOK, status)
	var near struct {
		Providers []geo.Nearby `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(body, &near))
	require.Len(t, near.Providers, 1)
	assert.Equal(t, "near", near.Providers[0].ProviderID)

	status, body = call(t, ts, http.MethodGet, "/api/v1/requests/"+r.ID+"/candidates", nil)
	require.Equal(t, http.StatusOK, status)
	var cands struct {
		Candidates []matcher.Candidate `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(body, &cands))
	require.Len(t, cands.Candidates, 2)
	assert.Equal(t, "near", cands.Candidates[0].ProviderID)

	status, _ = call(t, ts, http.MethodGet, "/api/v1/providers/nearby?lat=abc&lng=1", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodGet, "/api/v1/providers/near/offer", nil)
	assert.Equal(t, http.StatusNotFound, status, "no session connected")
}

func TestFeesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	status, body := call(t, ts, http.MethodGet, "/api/v1/fees?basket_estimate=50000&store_count=2&item_count=3", nil)
	require.Equal(t, http.StatusOK, status)
	var fb models.FeeBreakdown
	require.NoError(t, json.Unmarshal(body, &fb))
	assert.Equal(t, pricing.DefaultSchedule().Compute(50000, 2, 3), fb)

	status, _ = call(t, ts, http.MethodGet, "/api/v1/fees?basket_estimate=-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodGet, "/api/v1/fees?item_count=4611686018427387904", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestOperationalEndpointsAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/ready", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	status, body := call(t, ts, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "shopper_dispatch_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Field: "x", Message: "y"}, http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{dispatch.ErrNoSession, http.StatusNotFound},
		{lifecycle.ErrNotAssignee, http.StatusForbidden},
		{&lifecycle.TransitionError{From: models.StatusCompleted, To: models.StatusCancelled, Err: lifecycle.ErrInvalidTransition}, http.StatusConflict},
		{&storage.ConditionError{}, http.StatusConflict},
		{storage.ErrTransient, http.StatusServiceUnavailable},
		{presence.ErrNotOnline, http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}
