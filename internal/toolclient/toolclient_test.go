package toolclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/sonic/internal/config"
	"github.com/nextlevelbuilder/sonic/internal/errs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg config.ToolsConfig) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg.BaseURL = srv.URL
	return New(cfg), srv.Close
}

func TestExecute_Success(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Tool != "lookup_account" {
			t.Errorf("request tool = %q, want lookup_account", req.Tool)
		}
		json.NewEncoder(w).Encode(executeResponse{Success: true, Result: map[string]any{"balance": 100.0}})
	}, config.ToolsConfig{})
	defer closeSrv()

	result, err := client.Execute(context.Background(), "lookup_account", map[string]any{"account": "12345678"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["balance"] != 100.0 {
		t.Errorf("result[balance] = %v, want 100", result["balance"])
	}
}

func TestExecute_NotFound(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, config.ToolsConfig{})
	defer closeSrv()

	_, err := client.Execute(context.Background(), "ghost_tool", nil)
	if errs.Of(err) != errs.ToolNotFound {
		t.Errorf("Execute() kind = %v, want ToolNotFound", errs.Of(err))
	}
}

func TestExecute_Unauthorized(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, config.ToolsConfig{})
	defer closeSrv()

	_, err := client.Execute(context.Background(), "secure_tool", nil)
	if errs.Of(err) != errs.ToolUnauthorized {
		t.Errorf("Execute() kind = %v, want ToolUnauthorized", errs.Of(err))
	}
}

func TestExecute_UpstreamFailureWithErrorKind(t *testing.T) {
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]any{"errorKind": "Malformed", "message": "bad input"},
		})
	}, config.ToolsConfig{})
	defer closeSrv()

	_, err := client.Execute(context.Background(), "some_tool", nil)
	if errs.Of(err) != errs.ToolMalformed {
		t.Errorf("Execute() kind = %v, want ToolMalformed", errs.Of(err))
	}
}

func TestExecute_AppliesFieldRemap(t *testing.T) {
	var sawRequest map[string]any
	client, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		json.NewDecoder(r.Body).Decode(&req)
		sawRequest = req.Input
		json.NewEncoder(w).Encode(executeResponse{Success: true, Result: map[string]any{"acct_no": "999"}})
	}, config.ToolsConfig{
		FieldRemaps: map[string]config.Remap{
			"lookup_account": {
				RequestFields:  map[string]string{"account": "acct_no"},
				ResponseFields: map[string]string{"acct_no": "account"},
			},
		},
	})
	defer closeSrv()

	result, err := client.Execute(context.Background(), "lookup_account", map[string]any{"account": "12345678"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := sawRequest["acct_no"]; !ok {
		t.Errorf("request remap not applied, saw %+v", sawRequest)
	}
	if result["account"] != "999" {
		t.Errorf("response remap not applied, result = %+v", result)
	}
}

func TestTruncateResult(t *testing.T) {
	small := map[string]any{"a": 1}
	if got := TruncateResult(small, 1000); got.(map[string]any)["a"] != 1 {
		t.Errorf("small result should be returned unchanged, got %+v", got)
	}

	large := map[string]any{"data": make([]int, 1000)}
	got := TruncateResult(large, 10)
	asMap, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("TruncateResult() = %T, want map[string]any", got)
	}
	if asMap["truncated"] != true {
		t.Errorf("truncated = %v, want true", asMap["truncated"])
	}
	if asMap["originalSize"].(int) <= 10 {
		t.Errorf("originalSize = %v, want >10", asMap["originalSize"])
	}
}

func TestApplyRequestRemap_NoRemapConfigured(t *testing.T) {
	input := map[string]any{"x": 1}
	out := applyRequestRemap(config.Remap{}, input)
	if len(out) != 1 || out["x"] != 1 {
		t.Errorf("applyRequestRemap() with no remap = %+v, want input unchanged", out)
	}
}

func TestApplyResponseRemap_UnmappedFieldsPassThrough(t *testing.T) {
	remap := config.Remap{ResponseFields: map[string]string{"acct_no": "account"}}
	out := applyResponseRemap(remap, map[string]any{"acct_no": "1", "other": "2"})
	if out["account"] != "1" || out["other"] != "2" {
		t.Errorf("applyResponseRemap() = %+v", out)
	}
}
