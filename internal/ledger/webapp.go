package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/crossing.report/internal/httputil"
)

// WebApp is a Ledger backed by a spreadsheet web-app endpoint. Every call is
// a JSON POST carrying an action name; the endpoint answers with
// {"ok": bool, "error": string, ...}.
type WebApp struct {
	url    string
	token  string
	client httputil.HTTPClient
	loc    *time.Location
}

// NewWebApp creates a WebApp ledger. Times are written in loc.
func NewWebApp(client httputil.HTTPClient, url, token string, loc *time.Location) *WebApp {
	if loc == nil {
		loc = time.Local
	}
	return &WebApp{url: url, token: token, client: client, loc: loc}
}

type webRequest struct {
	Action     string `json:"action"`
	Ref        string `json:"ref,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Date       string `json:"date,omitempty"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
	Loading    *int   `json:"loading,omitempty"`
	Rehab      *int   `json:"rehab,omitempty"`
	Batch      int    `json:"batch,omitempty"`
}

type webRow struct {
	Ref        string `json:"ref"`
	Identifier string `json:"identifier"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Loading    int    `json:"loading"`
	Rehab      int    `json:"rehab"`
	Batch      int    `json:"batch"`
}

type webResponse struct {
	OK    bool    `json:"ok"`
	Error string  `json:"error"`
	Row   *webRow `json:"row"`
	Count int     `json:"count"`
}

func (w *WebApp) call(ctx context.Context, req webRequest) (webResponse, error) {
	var resp webResponse
	if err := httputil.PostJSON(ctx, w.client, w.url, w.token, req, &resp); err != nil {
		return resp, fmt.Errorf("ledger %s: %w", req.Action, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("ledger %s: %s", req.Action, resp.Error)
	}
	return resp, nil
}

// clock parses a time-of-day column relative to the row's date.
func (w *WebApp) clock(date, hms string) time.Time {
	if hms == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+hms, w.loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (w *WebApp) toRow(r *webRow) Row {
	return Row{
		Ref:        r.Ref,
		Identifier: r.Identifier,
		Date:       r.Date,
		StartTime:  w.clock(r.Date, r.StartTime),
		EndTime:    w.clock(r.Date, r.EndTime),
		Loading:    r.Loading,
		Rehab:      r.Rehab,
		Batch:      r.Batch,
	}
}

func (w *WebApp) FindOpenRow(ctx context.Context, identifier, date string) (Row, error) {
	resp, err := w.call(ctx, webRequest{Action: "find_open", Identifier: identifier, Date: date})
	if err != nil {
		return Row{}, err
	}
	if resp.Row == nil {
		return Row{}, ErrRowNotFound
	}
	return w.toRow(resp.Row), nil
}

func (w *WebApp) CountRows(ctx context.Context, identifier, date string) (int, error) {
	resp, err := w.call(ctx, webRequest{Action: "count", Identifier: identifier, Date: date})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (w *WebApp) AppendRow(ctx context.Context, row Row) (Row, error) {
	req := webRequest{
		Action:     "append",
		Identifier: row.Identifier,
		Date:       row.Date,
		StartTime:  row.StartTime.In(w.loc).Format(TimeLayout),
		Loading:    &row.Loading,
		Rehab:      &row.Rehab,
		Batch:      row.Batch,
	}
	if !row.EndTime.IsZero() {
		req.EndTime = row.EndTime.In(w.loc).Format(TimeLayout)
	}
	resp, err := w.call(ctx, req)
	if err != nil {
		return Row{}, err
	}
	if resp.Row == nil || resp.Row.Ref == "" {
		return Row{}, errors.New("ledger append: response carries no row reference")
	}
	out := row
	out.Ref = resp.Row.Ref
	return out, nil
}

func (w *WebApp) UpdateCounts(ctx context.Context, ref string, loading, rehab int) error {
	_, err := w.call(ctx, webRequest{Action: "update", Ref: ref, Loading: &loading, Rehab: &rehab})
	return err
}

func (w *WebApp) FinalizeRow(ctx context.Context, ref string, end time.Time, loading, rehab int) error {
	_, err := w.call(ctx, webRequest{
		Action:  "finalize",
		Ref:     ref,
		EndTime: end.In(w.loc).Format(TimeLayout),
		Loading: &loading,
		Rehab:   &rehab,
	})
	return err
}
