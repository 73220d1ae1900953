package webhook

import (
	"errors"
	"testing"

	"ledgermatch/internal/shared/apperr"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		wantType     string
		wantResource string
		wantID       string
		wantAccount  string
		wantData     bool
	}{
		{
			name:         "generic with resource_data",
			payload:      `{"event_type":"resource.created","resource_type":"transaction","resource_id":"tx_1","resource_data":{"id":"tx_1"}}`,
			wantType:     "resource.created",
			wantResource: "transaction",
			wantID:       "tx_1",
			wantData:     true,
		},
		{
			name:         "generic with payload",
			payload:      `{"event_type":"resource.created","resource_type":"transaction","resource_id":"tx_2","account_id":"acc_1","resource_data":null,"payload":{"id":"tx_2"}}`,
			wantType:     "resource.created",
			wantResource: "transaction",
			wantID:       "tx_2",
			wantAccount:  "acc_1",
			wantData:     true,
		},
		{
			name:         "stripe",
			payload:      `{"id":"evt_1","type":"charge.succeeded","account":"acct_9","data":{"object":{"id":"ch_1","object":"charge","amount":1000}}}`,
			wantType:     "charge.succeeded",
			wantResource: "charge",
			wantID:       "ch_1",
			wantAccount:  "acct_9",
			wantData:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeEvent() failed: %v", err)
			}
			if evt.Type != tt.wantType || evt.ResourceType != tt.wantResource || evt.ResourceID != tt.wantID || evt.AccountID != tt.wantAccount {
				t.Errorf("DecodeEvent() = %+v", evt)
			}
			if tt.wantData && isEmpty(evt.Data) {
				t.Error("Data is empty")
			}
		})
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	for _, payload := range []string{``, `[]`, `{}`, `{"type":"charge.succeeded"}`, `{"event_type":1}`} {
		_, err := DecodeEvent([]byte(payload))
		if err == nil {
			t.Errorf("DecodeEvent(%q) succeeded, want error", payload)
			continue
		}
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("DecodeEvent(%q) error = %v, want validation_error", payload, err)
		}
	}

	_, err := DecodeEvent([]byte(`{"hello":"world"}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("error = %v, want ErrMalformedEvent", err)
	}
}
