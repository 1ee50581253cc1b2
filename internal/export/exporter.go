package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/archive"
	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// Count guard errors.
var (
	ErrNoResults      = errors.New("query matched no observations")
	ErrTooManyResults = errors.New("query matched too many observations")
	ErrExportTimeout  = errors.New("export did not finish in time")
)

// queryField is the form key carrying the observation search query.
const queryField = "observations_export_flow_task[inputs_attributes][0][extra][query]"

// DefaultColumns are the CSV columns requested when no form file is given.
var DefaultColumns = []string{
	"id", "observed_on", "user_login", "quality_grade", "license", "url", "image_url",
	"latitude", "longitude", "scientific_name", "common_name", "taxon_id",
}

// Config governs the export stage.
type Config struct {
	Dir          string
	QualityGrade string
	MaxResults   int64
	PollInterval time.Duration
	MaxWait      time.Duration
	// FormFile optionally replaces the built-in form with a JSON object of
	// form fields. The query field is always overwritten.
	FormFile string
	// Progress receives the download progress bar; nil disables it.
	Progress io.Writer
}

// Archive describes the outcome of one export.
type Archive struct {
	TaxonID      int64
	State        inat.ExportState
	TotalResults int64
	Path         string
	Bytes        int64
}

// Exporter requests and downloads export archives over a logged-in Client.
type Exporter struct {
	client *Client
	cfg    Config
	form   url.Values
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExporter validates cfg and loads the export form.
func NewExporter(client *Client, cfg Config, logger *zap.Logger) (*Exporter, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("export dir is required")
	}
	if cfg.QualityGrade == "" {
		cfg.QualityGrade = "any"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	form, err := loadForm(cfg.FormFile)
	if err != nil {
		return nil, err
	}
	return &Exporter{
		client: client,
		cfg:    cfg,
		form:   form,
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

// Query returns the observation search the export covers, in the encoding
// the export form expects.
func (e *Exporter) Query(taxonID int64) string {
	return "has[]=photos&quality_grade=" + e.cfg.QualityGrade +
		"&identifications=any&taxon_ids[]=" + strconv.FormatInt(taxonID, 10)
}

// Count asks the public API how many observations the export would cover.
func (e *Exporter) Count(ctx context.Context, taxonID int64) (int64, error) {
	params := url.Values{
		"has[]":           {"photos"},
		"quality_grade":   {e.cfg.QualityGrade},
		"identifications": {"any"},
		"taxon_ids":       {strconv.FormatInt(taxonID, 10)},
		"per_page":        {"0"},
	}
	var body struct {
		TotalResults *int64 `json:"total_results"`
	}
	if err := e.client.getJSON(ctx, e.client.apiURL+"/observations?"+params.Encode(), &body); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	if body.TotalResults == nil {
		return 0, &inat.ParseError{Cause: errors.New("count response lacks total_results")}
	}
	return *body.TotalResults, nil
}

// Export runs the full flow for one taxon and writes <dir>/<taxon_id>.zip.
// The returned Archive carries the terminal state even when err is non-nil.
func (e *Exporter) Export(ctx context.Context, taxonID int64) (Archive, error) {
	out := Archive{TaxonID: taxonID, State: inat.ExportIdle}
	log := e.logger.With(zap.Int64("taxon_id", taxonID))
	fail := func(err error) (Archive, error) {
		out.State = transition(out.State, inat.ExportFailed)
		log.Error("export failed", zap.Error(err))
		return out, err
	}

	total, err := e.Count(ctx, taxonID)
	if err != nil {
		return fail(err)
	}
	out.TotalResults = total
	switch {
	case total == 0:
		return fail(ErrNoResults)
	case e.cfg.MaxResults > 0 && total > e.cfg.MaxResults:
		return fail(fmt.Errorf("%w: %s > %s", ErrTooManyResults,
			humanize.Comma(total), humanize.Comma(e.cfg.MaxResults)))
	}
	log.Debug("export query counted", zap.Int64("total_results", total))

	taskID, err := e.request(ctx, taxonID)
	if err != nil {
		return fail(err)
	}
	out.State = transition(out.State, inat.ExportRequested)
	log.Info("export requested",
		zap.Int64("flow_task_id", taskID),
		zap.String("total_results", humanize.Comma(total)),
	)

	output, err := e.poll(ctx, taskID)
	if err != nil {
		return fail(err)
	}

	dest := filepath.Join(e.cfg.Dir, strconv.FormatInt(taxonID, 10)+".zip")
	link := e.client.baseURL + "/attachments/flow_task_outputs/" +
		strconv.FormatInt(output.ID, 10) + "/" + url.PathEscape(output.FileName)
	n, err := archive.Download(ctx, e.client.http, link, dest, e.cfg.Progress)
	if err != nil {
		return fail(fmt.Errorf("download export: %w", err))
	}
	out.Path = dest
	out.Bytes = n
	out.State = transition(out.State, inat.ExportArchived)
	log.Info("export saved", zap.String("path", dest), zap.String("size", humanize.Bytes(uint64(n))))
	return out, nil
}

type flowTaskOutput struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_file_name"`
}

// request posts the export form and returns the flow task id.
func (e *Exporter) request(ctx context.Context, taxonID int64) (int64, error) {
	exportPage := e.client.baseURL + "/observations/export"
	token, err := e.client.csrfToken(ctx, exportPage)
	if err != nil {
		return 0, fmt.Errorf("load export page: %w", err)
	}

	form := url.Values{}
	for k, v := range e.form {
		form[k] = append([]string(nil), v...)
	}
	form.Set(queryField, e.Query(taxonID))

	reqCtx, cancel := context.WithTimeout(ctx, e.client.timeout)
	defer cancel()
	resp, err := e.client.postForm(reqCtx, e.client.baseURL+"/flow_tasks", form, http.Header{
		"Accept":           {"application/json, text/javascript, */*; q=0.01"},
		"Referer":          {exportPage},
		"X-CSRF-Token":     {token},
		"X-Requested-With": {"XMLHttpRequest"},
	})
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnprocessableEntity:
		var body struct {
			Error json.RawMessage `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)
		return 0, fmt.Errorf("export rejected: %s", errorMessage(body.Error))
	default:
		return 0, statusError(e.client.baseURL+"/flow_tasks", resp)
	}

	var task struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return 0, &inat.ParseError{Cause: fmt.Errorf("decode flow task: %w", err)}
	}
	if task.ID == 0 {
		return 0, &inat.ParseError{Cause: errors.New("flow task response lacks an id")}
	}
	return task.ID, nil
}

// poll waits until the flow task reports an output.
func (e *Exporter) poll(ctx context.Context, taskID int64) (flowTaskOutput, error) {
	if e.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.MaxWait)
		defer cancel()
	}
	target := e.client.baseURL + "/flow_tasks/" + strconv.FormatInt(taskID, 10) + "/run.json"
	for {
		var run struct {
			Outputs []flowTaskOutput `json:"outputs"`
		}
		err := e.client.getJSON(ctx, target, &run)
		if err == nil && len(run.Outputs) > 0 {
			return run.Outputs[0], nil
		}
		if err == nil {
			err = e.sleep(ctx, e.cfg.PollInterval)
		}
		if err != nil {
			if e.cfg.MaxWait > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return flowTaskOutput{}, ErrExportTimeout
			}
			return flowTaskOutput{}, fmt.Errorf("poll export: %w", err)
		}
	}
}

// transition moves an export along idle -> requested -> archived, with failed
// reachable from any non-terminal state. Invalid moves keep the current state.
func transition(from, to inat.ExportState) inat.ExportState {
	if from.Terminal() {
		return from
	}
	switch {
	case to == inat.ExportFailed:
		return to
	case from == inat.ExportIdle && to == inat.ExportRequested:
		return to
	case from == inat.ExportRequested && to == inat.ExportArchived:
		return to
	}
	return from
}

func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return "unprocessable entity"
}

func loadForm(path string) (url.Values, error) {
	form := url.Values{
		"utf8": {"✓"},
		"observations_export_flow_task[options][format]": {"csv"},
	}
	for _, col := range DefaultColumns {
		form.Set("observations_export_flow_task[options][columns]["+col+"]", "1")
	}
	if path == "" {
		return form, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export form: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode export form %s: %w", path, err)
	}
	form = url.Values{}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			form.Set(k, val)
		case []any:
			for _, item := range val {
				form.Add(k, fmt.Sprint(item))
			}
		case nil:
		default:
			form.Set(k, strings.TrimSpace(fmt.Sprint(val)))
		}
	}
	return form, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
