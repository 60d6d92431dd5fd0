package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	client := New("http://localhost:8086", WithToken("tok"))
	if client.BaseURL() != "http://localhost:8086" {
		t.Errorf("BaseURL() = %q", client.BaseURL())
	}
	if client.Token() != "tok" {
		t.Errorf("Token() = %q, want tok", client.Token())
	}
	if client.httpClient.Timeout.Seconds() != 30 {
		t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
	}
}

// TestDoJSON は各HTTPメソッドの送受信を検証する。
func TestDoJSON(t *testing.T) {
	t.Parallel()

	methods := []struct {
		name   string
		method string
		call   func(c *Client, body, result any) error
	}{
		{"POSTでボディとトークンが送信されること", http.MethodPost, func(c *Client, b, r any) error {
			return c.PostJSON(context.Background(), "/api", b, r)
		}},
		{"PUTでボディとトークンが送信されること", http.MethodPut, func(c *Client, b, r any) error {
			return c.PutJSON(context.Background(), "/api", b, r)
		}},
		{"PATCHでボディとトークンが送信されること", http.MethodPatch, func(c *Client, b, r any) error {
			return c.PatchJSON(context.Background(), "/api", b, r)
		}},
	}

	for _, tt := range methods {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotMethod, gotAuth string
			var gotBody testPayload
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotAuth = r.Header.Get("Authorization")
				b, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(b, &gotBody)
				_ = json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
			}))
			defer ts.Close()

			var result testPayload
			if err := tt.call(New(ts.URL, WithToken("secret-token")), testPayload{Name: "request", Value: 1}, &result); err != nil {
				t.Fatalf("リクエストでエラーが発生: %v", err)
			}
			if gotMethod != tt.method {
				t.Errorf("Method = %q, want %q", gotMethod, tt.method)
			}
			if gotAuth != "Bearer secret-token" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if gotBody.Name != "request" {
				t.Errorf("sent Name = %q, want request", gotBody.Name)
			}
			if result.Value != 200 {
				t.Errorf("result.Value = %d, want 200", result.Value)
			}
		})
	}

	t.Run("GETでレスポンスをデシリアライズできること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"name":"list","value":3}`))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/api", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if result.Name != "list" || result.Value != 3 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("2xx以外の場合StatusErrorが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}))
		defer ts.Close()

		err := New(ts.URL).GetJSON(context.Background(), "/api", nil)
		if !IsStatus(err, http.StatusNotFound) {
			t.Fatalf("err = %v, want StatusError(404)", err)
		}
	})

	t.Run("不正なレスポンスJSONの場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{broken`))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/api", &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestCircuitBreaker はサーキットブレーカーの開閉条件を検証する。
func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	t.Run("5xxが続くとブレーカーが開きリクエストが送信されないこと", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		client := New(ts.URL)
		for range 4 {
			_ = client.GetJSON(context.Background(), "/api", nil)
		}
		err := client.GetJSON(context.Background(), "/api", nil)
		if !errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("err = %v, want ErrOpenState", err)
		}
		if got := calls.Load(); got != 4 {
			t.Errorf("サーバー呼び出し回数 = %d, want 4", got)
		}
	})

	t.Run("4xxが続いてもブレーカーが開かないこと", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer ts.Close()

		client := New(ts.URL)
		for range 6 {
			err := client.GetJSON(context.Background(), "/api", nil)
			if !IsStatus(err, http.StatusForbidden) {
				t.Fatalf("err = %v, want StatusError(403)", err)
			}
		}
		if got := calls.Load(); got != 6 {
			t.Errorf("サーバー呼び出し回数 = %d, want 6", got)
		}
	})
}
