package commerce

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// newTestClient points a restClient at the given test server with the
// throttle opened up so tests run instantly.
func newTestClient(srv *httptest.Server) *restClient {
	c := NewClient("ignored.example.com", "tok-123", WithHTTPClient(srv.Client()), WithPageSize(2)).(*restClient)
	c.baseURL = srv.URL
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.baseBackoff = time.Millisecond
	return c
}

func TestListProducts_PaginationAndAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Shopify-Access-Token"); got != "tok-123" {
			t.Errorf("access token header = %q", got)
		}
		if r.URL.Query().Get("page_info") == "" {
			w.Header().Set("Link", `<`+`https://x/admin/api/2024-01/products.json?page_info=cur2&limit=2`+`>; rel="next"`)
			w.Write([]byte(`{"products":[{"id":"1","title":"Mug"},{"id":"2","title":"Cap"}]}`))
			return
		}
		w.Write([]byte(`{"products":[{"id":"3","title":"Pen"}]}`))
	}))
	defer srv.Close()
	c := newTestClient(srv)

	first, err := c.ListProducts(context.Background(), "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Products) != 2 || first.NextPageToken != "cur2" {
		t.Fatalf("first page = %+v", first)
	}

	second, err := c.ListProducts(context.Background(), first.NextPageToken)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Products) != 1 || second.NextPageToken != "" {
		t.Fatalf("second page = %+v", second)
	}
	if second.Products[0].Title != "Pen" {
		t.Errorf("title = %q", second.Products[0].Title)
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	_, err := c.GetProduct(context.Background(), "42")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"count":7}`))
	}))
	defer srv.Close()
	c := newTestClient(srv)

	n, err := c.CountProducts(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d, want 7", n)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDo_ValidationErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"errors":{"line_items":["is invalid"]}}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	_, err := c.CreateDraftOrder(context.Background(), DraftOrderInput{
		Lines: []DraftOrderLine{{VariantID: "v1", Quantity: 1}},
	})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation kind", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDo_UnauthorizedIsBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":"Invalid API key or access token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	_, err := c.CountProducts(context.Background())
	if KindOf(err) != KindBusiness {
		t.Fatalf("kind = %v, want business", KindOf(err))
	}
}

func TestCreateDraftOrder_DecodesInvoiceURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Write([]byte(`{"draft_order":{"id":"99","name":"#D1","invoice_url":"https://pay.example/d1","status":"open"}}`))
	}))
	defer srv.Close()
	c := newTestClient(srv)

	d, err := c.CreateDraftOrder(context.Background(), DraftOrderInput{
		Lines: []DraftOrderLine{{VariantID: "v1", Quantity: 2}},
		Note:  "chat checkout",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.InvoiceURL != "https://pay.example/d1" || d.Name != "#D1" {
		t.Fatalf("draft = %+v", d)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CountProducts(ctx)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !IsTransport(err) {
		t.Errorf("err = %v, want transport kind", err)
	}
}
