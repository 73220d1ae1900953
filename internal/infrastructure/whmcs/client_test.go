package whmcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

var tenantA = tenant.MustFor("tenant-a")

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("identifier") != "ident" || r.PostForm.Get("secret") != "s3cret" || r.PostForm.Get("responsetype") != "json" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"result":"error","message":"Authentication Failed"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	creds := credential.NewStatic(map[string]string{
		credential.WHMCSURL:        srv.URL + "/",
		credential.WHMCSIdentifier: "ident",
		credential.WHMCSSecret:     "s3cret",
	})
	return NewClient(creds, srv.Client(), map[string]string{"stripe": "stripe_gateway"})
}

func TestClient_ListOpenPaginates(t *testing.T) {
	balances := map[string]string{"2044": "150.00", "2045": "75.50", "2046": "0.00"}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("action") == "GetInvoice" {
			id := r.PostForm.Get("invoiceid")
			fmt.Fprintf(w, `{"result":"success","invoiceid":%q,"total":"1.00","balance":%q,"status":"Unpaid"}`, id, balances[id])
			return
		}
		if r.PostForm.Get("action") != "GetInvoices" || r.PostForm.Get("status") != "Unpaid" {
			t.Errorf("unexpected request %v", r.PostForm)
		}
		switch r.PostForm.Get("limitstart") {
		case "0":
			fmt.Fprint(w, `{"result":"success","totalresults":"3","numreturned":2,"invoices":{"invoice":[
				{"id":"2044","invoicenum":"INV-2044","companyname":"Acme Ltd","date":"2025-01-05","total":"150.00","status":"Unpaid","currencycode":"gbp"},
				{"id":2045,"invoicenum":"","firstname":"Jane","lastname":"Doe","date":"2025-01-06","total":75.5,"status":"Unpaid","currencycode":"GBP"}
			]}}`)
		case "2":
			fmt.Fprint(w, `{"result":"success","totalresults":"3","numreturned":1,"invoices":{"invoice":[
				{"id":"2046","date":"2025-01-07","total":"0.00","status":"Unpaid"}
			]}}`)
		default:
			t.Errorf("unexpected limitstart %q", r.PostForm.Get("limitstart"))
		}
	})

	invoices, err := client.ListOpen(context.Background(), tenantA)
	if err != nil {
		t.Fatalf("ListOpen() failed: %v", err)
	}
	if len(invoices) != 2 {
		t.Fatalf("got %d invoices, want 2 with a balance", len(invoices))
	}

	first := invoices[0]
	if first.ID != 2044 || first.Number != "INV-2044" || first.CustomerName != "Acme Ltd" || first.Currency != "GBP" {
		t.Errorf("first = %+v", first)
	}
	if !first.Balance.Equal(decimal.RequireFromString("150")) || first.TenantID != "tenant-a" {
		t.Errorf("first balance/tenant = %s/%s", first.Balance, first.TenantID)
	}
	if !first.Total.Equal(decimal.RequireFromString("150")) {
		t.Errorf("first total = %s, want the list total", first.Total)
	}
	if !first.IssueDate.Equal(time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first issue date = %v", first.IssueDate)
	}

	second := invoices[1]
	if second.Number != "2045" || second.CustomerName != "Jane Doe" || !second.Total.Equal(decimal.RequireFromString("75.50")) {
		t.Errorf("second = %+v", second)
	}
}

func TestClient_ListOpenUsesOutstandingBalance(t *testing.T) {
	tests := []struct {
		name        string
		detail      string
		wantCount   int
		wantBalance string
	}{
		{
			name:        "partially paid",
			detail:      `{"result":"success","invoiceid":"2044","total":"150.00","balance":"50.00","status":"Unpaid"}`,
			wantCount:   1,
			wantBalance: "50",
		},
		{
			name:      "paid since listing",
			detail:    `{"result":"success","invoiceid":"2044","total":"150.00","balance":"0.00","status":"Paid"}`,
			wantCount: 0,
		},
		{
			name:      "deleted since listing",
			detail:    `{"result":"error","message":"Invoice ID Not Found"}`,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.PostForm.Get("action") {
				case "GetInvoices":
					fmt.Fprint(w, `{"result":"success","totalresults":1,"numreturned":1,"invoices":{"invoice":[
						{"id":"2044","invoicenum":"INV-2044","date":"2025-01-05","total":"150.00","status":"Unpaid","currencycode":"GBP"}
					]}}`)
				case "GetInvoice":
					if r.PostForm.Get("invoiceid") != "2044" {
						t.Errorf("GetInvoice for %q", r.PostForm.Get("invoiceid"))
					}
					fmt.Fprint(w, tt.detail)
				default:
					t.Errorf("unexpected action %q", r.PostForm.Get("action"))
				}
			})

			invoices, err := client.ListOpen(context.Background(), tenantA)
			if err != nil {
				t.Fatalf("ListOpen() failed: %v", err)
			}
			if len(invoices) != tt.wantCount {
				t.Fatalf("got %d invoices, want %d", len(invoices), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			inv := invoices[0]
			if !inv.Balance.Equal(decimal.RequireFromString(tt.wantBalance)) {
				t.Errorf("balance = %s, want %s", inv.Balance, tt.wantBalance)
			}
			if !inv.Total.Equal(decimal.RequireFromString("150")) || inv.Currency != "GBP" {
				t.Errorf("invoice = %+v, want list total and currency kept", inv)
			}
		})
	}
}

func TestClient_ListOpenBalanceLookupFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("action") == "GetInvoice" {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "<html>bad gateway</html>")
			return
		}
		fmt.Fprint(w, `{"result":"success","totalresults":1,"invoices":{"invoice":[{"id":"7","total":"10.00","status":"Unpaid"}]}}`)
	})

	_, err := client.ListOpen(context.Background(), tenantA)
	if !apperr.Is(err, apperr.KindInvoiceSource) {
		t.Errorf("error = %v, want kind %s", err, apperr.KindInvoiceSource)
	}
}

func TestClient_ListOpenEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"success","totalresults":0,"numreturned":0,"invoices":""}`)
	})

	invoices, err := client.ListOpen(context.Background(), tenantA)
	if err != nil {
		t.Fatalf("ListOpen() failed: %v", err)
	}
	if len(invoices) != 0 {
		t.Errorf("got %d invoices, want none", len(invoices))
	}
}

func TestClient_Get(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.PostForm.Get("invoiceid"))
		if id != 2044 {
			fmt.Fprint(w, `{"result":"error","message":"Invoice ID Not Found"}`)
			return
		}
		fmt.Fprint(w, `{"result":"success","invoiceid":"2044","invoicenum":"INV-2044","date":"2025-01-05","total":"150.00","balance":"50.00","status":"Unpaid"}`)
	})

	inv, err := client.Get(context.Background(), tenantA, 2044)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if inv.ID != 2044 || !inv.Balance.Equal(decimal.RequireFromString("50")) || !inv.Total.Equal(decimal.RequireFromString("150")) {
		t.Errorf("invoice = %+v", inv)
	}

	_, err = client.Get(context.Background(), tenantA, 9)
	if !errors.Is(err, invoice.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestClient_ApplyPayment(t *testing.T) {
	var got map[string]string
	var lookups int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("action") == "GetTransactions" {
			lookups++
			if r.PostForm.Get("transid") != "ch_1" {
				t.Errorf("GetTransactions transid = %q", r.PostForm.Get("transid"))
			}
			fmt.Fprint(w, `{"result":"success","totalresults":0,"transactions":""}`)
			return
		}
		got = map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		if r.PostForm.Get("invoiceid") == "13" {
			fmt.Fprint(w, `{"result":"error","message":"Invoice ID Not Found"}`)
			return
		}
		fmt.Fprint(w, `{"result":"success"}`)
	})

	payment := invoice.Payment{
		InvoiceID:             2044,
		ExternalTransactionID: "ch_1",
		Amount:                decimal.RequireFromString("150"),
		Date:                  time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC),
		Gateway:               "stripe",
	}
	res, err := client.ApplyPayment(context.Background(), tenantA, payment)
	if err != nil {
		t.Fatalf("ApplyPayment() failed: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if lookups != 1 {
		t.Errorf("GetTransactions calls = %d, want 1", lookups)
	}

	want := map[string]string{
		"action":    "AddInvoicePayment",
		"invoiceid": "2044",
		"transid":   "ch_1",
		"amount":    "150.00",
		"gateway":   "stripe_gateway",
		"date":      "2025-01-10 09:30:00",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	payment.InvoiceID = 13
	res, err = client.ApplyPayment(context.Background(), tenantA, payment)
	if err != nil {
		t.Fatalf("ApplyPayment() refusal returned error: %v", err)
	}
	if res.Success || res.Message != "Invoice ID Not Found" {
		t.Errorf("result = %+v, want refusal", res)
	}
}

func TestClient_ApplyPaymentAlreadyRecorded(t *testing.T) {
	tests := []struct {
		name         string
		transactions string
		wantPosted   bool
	}{
		{
			name:         "same transid on the invoice",
			transactions: `{"result":"success","totalresults":1,"transactions":{"transaction":[{"id":"91","invoiceid":"2044","transid":"ch_1","amountin":"150.00"}]}}`,
		},
		{
			name:         "transid on another invoice",
			transactions: `{"result":"success","totalresults":1,"transactions":{"transaction":[{"id":"92","invoiceid":2050,"transid":"ch_1"}]}}`,
			wantPosted:   true,
		},
		{
			name:         "other payments only",
			transactions: `{"result":"success","totalresults":1,"transactions":{"transaction":[{"id":"93","invoiceid":"2044","transid":"ch_0"}]}}`,
			wantPosted:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posted := false
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.PostForm.Get("action") {
				case "GetTransactions":
					fmt.Fprint(w, tt.transactions)
				case "AddInvoicePayment":
					posted = true
					fmt.Fprint(w, `{"result":"success"}`)
				default:
					t.Errorf("unexpected action %q", r.PostForm.Get("action"))
				}
			})

			res, err := client.ApplyPayment(context.Background(), tenantA, invoice.Payment{
				InvoiceID:             2044,
				ExternalTransactionID: "ch_1",
				Amount:                decimal.RequireFromString("150"),
				Gateway:               "stripe",
			})
			if err != nil {
				t.Fatalf("ApplyPayment() failed: %v", err)
			}
			if !res.Success {
				t.Errorf("result = %+v, want success", res)
			}
			if posted != tt.wantPosted {
				t.Errorf("AddInvoicePayment called = %v, want %v", posted, tt.wantPosted)
			}
		})
	}
}

func TestClient_ApplyPaymentLookupFails(t *testing.T) {
	posted := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("action") == "AddInvoicePayment" {
			posted = true
		}
		fmt.Fprint(w, `{"result":"error","message":"Invalid Permissions"}`)
	})

	_, err := client.ApplyPayment(context.Background(), tenantA, invoice.Payment{
		InvoiceID:             2044,
		ExternalTransactionID: "ch_1",
		Amount:                decimal.RequireFromString("150"),
	})
	if !apperr.Is(err, apperr.KindInvoiceSource) {
		t.Errorf("error = %v, want kind %s", err, apperr.KindInvoiceSource)
	}
	if posted {
		t.Error("payment posted although the duplicate check failed")
	}
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
		want    apperr.Kind
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprint(w, "<html>bad gateway</html>")
			},
			want: apperr.KindInvoiceSource,
		},
		{
			name: "api error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"result":"error","message":"Invalid IP 10.0.0.1"}`)
			},
			want: apperr.KindInvoiceSource,
		},
		{
			name: "malformed list",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"result":"success","totalresults":1,"invoices":{"invoice":{"id":1}}}`)
			},
			want: apperr.KindInvoiceSource,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			_, err := client.ListOpen(context.Background(), tenantA)
			if !apperr.Is(err, tt.want) {
				t.Errorf("error = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestClient_MissingCredentials(t *testing.T) {
	client := NewClient(credential.NewStatic(map[string]string{}), http.DefaultClient, nil)

	_, err := client.ListOpen(context.Background(), tenantA)
	if !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("error = %v, want configuration_error", err)
	}
}

func TestClient_RejectsInvalidPayment(t *testing.T) {
	client := NewClient(credential.NewStatic(map[string]string{}), http.DefaultClient, nil)

	_, err := client.ApplyPayment(context.Background(), tenantA, invoice.Payment{InvoiceID: 1, ExternalTransactionID: "tx"})
	if !errors.Is(err, invoice.ErrPaymentAmount) {
		t.Errorf("error = %v, want ErrPaymentAmount", err)
	}
}
