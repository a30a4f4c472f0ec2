// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testReq struct {
	Val int `json:"val"`
}

type testResp struct {
	Doubled int `json:"doubled"`
}

func validateTestReq(req *testReq) error {
	if req.Val < 0 {
		return errors.New("val: must be >= 0")
	}
	return nil
}

func execTestReq(req *testReq) (*testResp, error) {
	if req.Val == 13 {
		return nil, errors.New("unlucky")
	}
	return &testResp{Doubled: req.Val * 2}, nil
}

func TestJsonHandlerCORSAndOptions(t *testing.T) {
	h := jsonHandler("/test", validateTestReq, execTestReq)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()
	h(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on OPTIONS, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS origin header *, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Errorf("unexpected CORS methods header %q", got)
	}
}

func TestJsonHandlerRejectsNonPost(t *testing.T) {
	h := jsonHandler("/test", validateTestReq, execTestReq)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	h(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 on GET, got %d", w.Code)
	}
}

func TestJsonHandlerValidateThenExec(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   *testResp
	}{
		{
			name:       "malformed JSON",
			body:       `{"val":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "fails validation",
			body:       `{"val":-1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "exec returns an error",
			body:       `{"val":13}`,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "validate then exec succeed",
			body:       `{"val":4}`,
			wantStatus: http.StatusOK,
			wantBody:   &testResp{Doubled: 8},
		},
	}

	h := jsonHandler("/test", validateTestReq, execTestReq)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			h(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d (body %q)", tc.wantStatus, w.Code, w.Body.String())
			}
			if tc.wantBody == nil {
				return
			}
			var got testResp
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if got != *tc.wantBody {
				t.Errorf("expected body %+v, got %+v", *tc.wantBody, got)
			}
		})
	}
}

func TestValidateQueryLinesRejectsTailWithRange(t *testing.T) {
	tail := 10
	fromLine := 1
	req := &QueryLinesRequest{Tail: &tail, FromLine: &fromLine}
	if err := validateQueryLines(req); err == nil {
		t.Fatalf("expected an error combining tail with from_line")
	}
}

func TestValidateQueryLinesAcceptsTailAlone(t *testing.T) {
	tail := 10
	req := &QueryLinesRequest{Tail: &tail}
	if err := validateQueryLines(req); err != nil {
		t.Errorf("unexpected error for tail-only request: %v", err)
	}
}

func TestValidateSetTargetRejectsUnknown(t *testing.T) {
	req := &SetTargetRequest{Target: "laser"}
	if err := validateSetTarget(req); err == nil {
		t.Fatalf("expected an error for an unknown target")
	}
}

func TestValidateConnectRequiresPathAndBaud(t *testing.T) {
	cases := []struct {
		name    string
		req     ConnectRequest
		wantErr bool
	}{
		{"empty path", ConnectRequest{Path: "", Baud: 115200}, true},
		{"zero baud", ConnectRequest{Path: "/dev/ttyUSB0", Baud: 0}, true},
		{"valid", ConnectRequest{Path: "/dev/ttyUSB0", Baud: 115200}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConnect(&tc.req)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateConnect(%+v) error = %v, wantErr %v", tc.req, err, tc.wantErr)
			}
		})
	}
}
