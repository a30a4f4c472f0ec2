// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"grblstream/core"
)

// API is the app wiring behind the HTTP control surface: the streaming
// engine plus the transcript, history and init stores around it.
type API struct {
	Engine  *core.Controller
	Lines   *core.LineDB
	History *core.HistoryDB
	Init    *core.InitStore
}

type okResponse struct {
	OK bool `json:"ok"`
}

type ConnectRequest struct {
	Path string `json:"path"`
	Baud int    `json:"baud"`
}

func validateConnect(req *ConnectRequest) error {
	if req.Path == "" {
		return errors.New("path: cannot be empty")
	}
	if req.Baud <= 0 {
		return errors.New("baud: must be > 0")
	}
	return nil
}

func (a *API) Connect(req *ConnectRequest) (*okResponse, error) {
	if err := a.Engine.Connect(req.Path, req.Baud); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

type emptyRequest struct{}

func validateEmpty(req *emptyRequest) error { return nil }

func (a *API) Disconnect(req *emptyRequest) (*okResponse, error) {
	a.Engine.Disconnect()
	return &okResponse{OK: true}, nil
}

type WriteRequest struct {
	Lines []string `json:"lines"`
}

func validateWrite(req *WriteRequest) error {
	for _, l := range req.Lines {
		if strings.Contains(l, "\n") {
			return errors.New("lines: must not contain newline")
		}
	}
	return nil
}

func (a *API) Write(req *WriteRequest) (*okResponse, error) {
	a.Engine.Write(req.Lines)
	return &okResponse{OK: true}, nil
}

type StreamRequest struct {
	Text string `json:"text"`
}

func validateStream(req *StreamRequest) error {
	if req.Text == "" {
		return errors.New("text: cannot be empty")
	}
	return nil
}

func (a *API) Stream(req *StreamRequest) (*okResponse, error) {
	a.Engine.Stream(req.Text)
	return &okResponse{OK: true}, nil
}

type SendImmediatelyRequest struct {
	Line string `json:"line"`
}

func validateSendImmediately(req *SendImmediatelyRequest) error {
	if strings.Contains(req.Line, "\n") {
		return errors.New("line: must not contain newline")
	}
	if req.Line == "" {
		return errors.New("line: cannot be empty")
	}
	return nil
}

func (a *API) SendImmediately(req *SendImmediatelyRequest) (*okResponse, error) {
	if err := a.Engine.SendImmediately(req.Line); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

type JobRunRequest struct {
	LineNr *int `json:"line_nr,omitempty"`
}

func validateJobRun(req *JobRunRequest) error {
	if req.LineNr != nil && *req.LineNr < 0 {
		return errors.New("line_nr: must be >= 0")
	}
	return nil
}

func (a *API) JobRun(req *JobRunRequest) (*okResponse, error) {
	a.Engine.JobRun(req.LineNr)
	return &okResponse{OK: true}, nil
}

func (a *API) JobHalt(req *emptyRequest) (*okResponse, error) {
	a.Engine.JobHalt()
	return &okResponse{OK: true}, nil
}

func (a *API) JobNew(req *emptyRequest) (*okResponse, error) {
	a.Engine.JobNew()
	return &okResponse{OK: true}, nil
}

func (a *API) Stash(req *emptyRequest) (*okResponse, error) {
	a.Engine.Stash()
	return &okResponse{OK: true}, nil
}

func (a *API) Unstash(req *emptyRequest) (*okResponse, error) {
	a.Engine.Unstash()
	return &okResponse{OK: true}, nil
}

func (a *API) SoftReset(req *emptyRequest) (*okResponse, error) {
	if err := a.Engine.SoftReset(); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (a *API) Hold(req *emptyRequest) (*okResponse, error) {
	if err := a.Engine.Hold(); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (a *API) Resume(req *emptyRequest) (*okResponse, error) {
	if err := a.Engine.Resume(); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (a *API) KillAlarm(req *emptyRequest) (*okResponse, error) {
	if err := a.Engine.KillAlarm(); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (a *API) Homing(req *emptyRequest) (*okResponse, error) {
	if err := a.Engine.Homing(); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (a *API) RequestSettings(req *emptyRequest) (*okResponse, error) {
	a.Engine.RequestSettings()
	return &okResponse{OK: true}, nil
}

type SetFeedOverrideRequest struct {
	Enabled bool `json:"enabled"`
}

func validateSetFeedOverride(req *SetFeedOverrideRequest) error { return nil }

func (a *API) SetFeedOverride(req *SetFeedOverrideRequest) (*okResponse, error) {
	a.Engine.SetFeedOverride(req.Enabled)
	return &okResponse{OK: true}, nil
}

type RequestFeedRequest struct {
	Feed float64 `json:"feed"`
}

func validateRequestFeed(req *RequestFeedRequest) error {
	if req.Feed <= 0 {
		return errors.New("feed: must be > 0")
	}
	return nil
}

func (a *API) RequestFeed(req *RequestFeedRequest) (*okResponse, error) {
	a.Engine.RequestFeed(req.Feed)
	return &okResponse{OK: true}, nil
}

type SetIncrementalStreamingRequest struct {
	Enabled bool `json:"enabled"`
}

func validateSetIncrementalStreaming(req *SetIncrementalStreamingRequest) error { return nil }

func (a *API) SetIncrementalStreaming(req *SetIncrementalStreamingRequest) (*okResponse, error) {
	a.Engine.SetIncrementalStreaming(req.Enabled)
	return &okResponse{OK: true}, nil
}

type SetTargetRequest struct {
	Target string `json:"target"`
}

func validateSetTarget(req *SetTargetRequest) error {
	if req.Target != "firmware" && req.Target != "simulator" {
		return errors.New("target: must be 'firmware' or 'simulator'")
	}
	return nil
}

func (a *API) SetTarget(req *SetTargetRequest) (*okResponse, error) {
	a.Engine.SetTarget(req.Target)
	return &okResponse{OK: true}, nil
}

type QueryLinesRequest struct {
	FromLine    *int   `json:"from_line,omitempty"`
	ToLine      *int   `json:"to_line,omitempty"`
	Tail        *int   `json:"tail,omitempty"`
	FilterDir   string `json:"filter_dir,omitempty"`
	FilterRegex string `json:"filter_regex,omitempty"`
}

type QueryLinesResponse struct {
	Count int                   `json:"count"`
	Lines []core.TranscriptLine `json:"lines"`
	Now   float64               `json:"now"`
}

func validateQueryLines(req *QueryLinesRequest) error {
	tailExists := req.Tail != nil
	rangeExists := req.FromLine != nil || req.ToLine != nil
	if tailExists && rangeExists {
		return errors.New("tail: cannot be used together with from_line/to_line")
	}
	if rangeExists {
		if req.FromLine != nil && *req.FromLine < 1 {
			return errors.New("from_line: must be >= 1")
		}
		if req.ToLine != nil && *req.ToLine < 1 {
			return errors.New("to_line: must be >= 1")
		}
		if req.FromLine != nil && req.ToLine != nil && *req.ToLine < *req.FromLine {
			return errors.New("to_line must be >= from_line")
		}
	}
	if tailExists && *req.Tail < 1 {
		return errors.New("tail: must be >= 1")
	}
	if req.FilterDir != "" && req.FilterDir != "up" && req.FilterDir != "down" {
		return errors.New("filter_dir: must be 'up' or 'down'")
	}
	if req.FilterRegex != "" {
		if _, err := regexp.Compile(req.FilterRegex); err != nil {
			return fmt.Errorf("filter_regex: invalid regex %v", err)
		}
	}
	return nil
}

func (a *API) QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error) {
	var scan core.ScanRange
	if req.Tail != nil {
		scan = core.TailScan{N: *req.Tail}
	} else {
		scan = core.RangeScan{FromLine: req.FromLine, ToLine: req.ToLine}
	}
	var filterRe *regexp.Regexp
	if req.FilterRegex != "" {
		filterRe = regexp.MustCompile(req.FilterRegex) // already validated
	}
	lines := a.Lines.Query(core.QueryOptions{
		Scan:        scan,
		FilterDir:   req.FilterDir,
		FilterRegex: filterRe,
	})
	return &QueryLinesResponse{
		Count: len(lines),
		Lines: lines,
		Now:   float64(time.Now().UnixNano()) / 1e9,
	}, nil
}

type QueryHistoryRequest struct {
	Start float64  `json:"start"`
	End   float64  `json:"end"`
	Step  float64  `json:"step"`
	Tags  []string `json:"tags"`
}

type QueryHistoryResponse struct {
	Times  []float64                      `json:"times"`
	Values map[string][]core.HistoryValue `json:"values"`
}

func validateQueryHistory(req *QueryHistoryRequest) error {
	if len(req.Tags) == 0 {
		return errors.New("tags: cannot be empty")
	}
	if req.End < req.Start {
		return errors.New("end: must be >= start")
	}
	if req.Step <= 0 {
		return errors.New("step: must be > 0")
	}
	if (req.End-req.Start)/req.Step > 10000 {
		return errors.New("too many steps")
	}
	return nil
}

func (a *API) QueryHistory(req *QueryHistoryRequest) (*QueryHistoryResponse, error) {
	start := time.Unix(0, int64(req.Start*1e9))
	end := time.Unix(0, int64(req.End*1e9))
	step := time.Duration(req.Step * float64(time.Second))

	tms, vals := a.History.QueryRanges(req.Tags, start, end, step)
	times := make([]float64, len(tms))
	for i, t := range tms {
		times[i] = float64(t.UnixNano()) / 1e9
	}
	return &QueryHistoryResponse{Times: times, Values: vals}, nil
}

type GetInitResponse struct {
	Lines []string `json:"lines"`
}

func (a *API) GetInit(req *emptyRequest) (*GetInitResponse, error) {
	lines, err := a.Init.GetInit()
	if err != nil {
		return nil, err
	}
	return &GetInitResponse{Lines: lines}, nil
}

type SetInitRequest struct {
	Lines []string `json:"lines"`
}

func validateSetInit(req *SetInitRequest) error {
	for _, l := range req.Lines {
		if strings.Contains(l, "\n") {
			return errors.New("lines: must not contain newline")
		}
	}
	return nil
}

func (a *API) SetInit(req *SetInitRequest) (*okResponse, error) {
	if err := a.Init.SetInit(req.Lines); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

type StatusResponse struct {
	CMode           string        `json:"cmode"`
	CMPos           core.Position `json:"cmpos"`
	CWPos           core.Position `json:"cwpos"`
	JobFinished     bool          `json:"job_finished"`
	RxBufferPercent int           `json:"rx_buffer_percent"`
	ProgressPercent int           `json:"progress_percent"`
	CurrentJobID    string        `json:"current_job_id,omitempty"`
	CurrentJobState string        `json:"current_job_state,omitempty"`
}

func (a *API) Status(req *emptyRequest) (*StatusResponse, error) {
	snap := a.Engine.Snapshot()
	resp := &StatusResponse{
		CMode:           snap.CMode,
		CMPos:           snap.CMPos,
		CWPos:           snap.CWPos,
		JobFinished:     snap.JobFinished,
		RxBufferPercent: snap.RxBufferPercent,
		ProgressPercent: snap.ProgressPercent,
	}
	if rec, ok := a.Engine.CurrentJob(); ok {
		resp.CurrentJobID = rec.ID
		resp.CurrentJobState = string(rec.State)
	}
	return resp, nil
}

type JobHistoryResponse struct {
	Jobs []core.JobRecord `json:"jobs"`
}

func (a *API) JobHistory(req *emptyRequest) (*JobHistoryResponse, error) {
	return &JobHistoryResponse{Jobs: a.Engine.JobHistoryList()}, nil
}

// jsonHandler builds the CORS/validate/exec wrapper around a single
// route; split out from registerJsonHandler so tests can drive it
// directly without registering on the global mux.
func jsonHandler[ReqT any, RespT any](path string, validate func(*ReqT) error, exec func(*ReqT) (*RespT, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ReqT
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid JSON: %v", err)
			return
		}

		if err := validate(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid request: %v", err)
			return
		}

		slowTimer := time.AfterFunc(1*time.Second, func() {
			body, err := json.Marshal(req)
			dumpBody := "unknown"
			if err == nil {
				dumpBody = string(body)
			}
			slog.Warn("API exec taking more than 1 second", "path", path, "req", dumpBody)
		})
		resp, err := exec(&req)
		slowTimer.Stop()
		if err != nil {
			slog.Error("API exec failed", "path", path, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func registerJsonHandler[ReqT any, RespT any](path string, validate func(*ReqT) error, exec func(*ReqT) (*RespT, error)) {
	http.HandleFunc(path, jsonHandler(path, validate, exec))
}

// StartHTTPServer registers every route in the control surface and
// blocks serving HTTP on addr.
func StartHTTPServer(addr string, a *API) error {
	registerJsonHandler("/connect", validateConnect, a.Connect)
	registerJsonHandler("/disconnect", validateEmpty, a.Disconnect)
	registerJsonHandler("/write", validateWrite, a.Write)
	registerJsonHandler("/stream", validateStream, a.Stream)
	registerJsonHandler("/send-immediately", validateSendImmediately, a.SendImmediately)
	registerJsonHandler("/job-run", validateJobRun, a.JobRun)
	registerJsonHandler("/job-halt", validateEmpty, a.JobHalt)
	registerJsonHandler("/job-new", validateEmpty, a.JobNew)
	registerJsonHandler("/stash", validateEmpty, a.Stash)
	registerJsonHandler("/unstash", validateEmpty, a.Unstash)
	registerJsonHandler("/soft-reset", validateEmpty, a.SoftReset)
	registerJsonHandler("/hold", validateEmpty, a.Hold)
	registerJsonHandler("/resume", validateEmpty, a.Resume)
	registerJsonHandler("/kill-alarm", validateEmpty, a.KillAlarm)
	registerJsonHandler("/homing", validateEmpty, a.Homing)
	registerJsonHandler("/request-settings", validateEmpty, a.RequestSettings)
	registerJsonHandler("/set-feed-override", validateSetFeedOverride, a.SetFeedOverride)
	registerJsonHandler("/request-feed", validateRequestFeed, a.RequestFeed)
	registerJsonHandler("/set-incremental-streaming", validateSetIncrementalStreaming, a.SetIncrementalStreaming)
	registerJsonHandler("/set-target", validateSetTarget, a.SetTarget)
	registerJsonHandler("/query-lines", validateQueryLines, a.QueryLines)
	registerJsonHandler("/query-history", validateQueryHistory, a.QueryHistory)
	registerJsonHandler("/get-init", validateEmpty, a.GetInit)
	registerJsonHandler("/set-init", validateSetInit, a.SetInit)
	registerJsonHandler("/status", validateEmpty, a.Status)
	registerJsonHandler("/job-history", validateEmpty, a.JobHistory)

	return http.ListenAndServe(addr, nil)
}
