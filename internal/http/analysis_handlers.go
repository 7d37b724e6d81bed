package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/farmeye/api/internal/report"
	"github.com/farmeye/api/internal/service/diagnosis"
	"github.com/farmeye/api/internal/ws"
)

type recommendRequest struct {
	Diagnosis string   `json:"diagnosis" validate:"required,max=100"`
	Symptoms  []string `json:"symptoms" validate:"max=50,dive,max=200"`
	File      string   `json:"file" validate:"max=255"`
}

const multipartMemory = 8 << 20

func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload+multipartMemory)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "multipart form with a file field is required")
		return
	}
	defer req.MultipartForm.RemoveAll()

	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer file.Close()
	if header.Size > r.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, r.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}
	if int64(len(data)) > r.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	symptoms, err := formSymptoms(req.MultipartForm.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := r.diagnosis.Scan(req.Context(), info.UserID, diagnosis.ScanInput{
		Filename: header.Filename,
		Image:    data,
		Symptoms: symptoms,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// formSymptoms collects symptoms from the symptoms field and its Spanish
// alias. A value may be a JSON array, a comma separated list or a single
// entry; repeated fields are concatenated.
func formSymptoms(values map[string][]string) ([]string, error) {
	var out []string
	for _, key := range []string{"symptoms", "sintomas"} {
		for _, raw := range values[key] {
			raw = strings.TrimSpace(raw)
			switch {
			case raw == "":
			case strings.HasPrefix(raw, "["):
				var list []string
				if err := json.Unmarshal([]byte(raw), &list); err != nil {
					return nil, fmt.Errorf("%s must be a JSON array of strings", key)
				}
				out = append(out, list...)
			default:
				out = append(out, strings.Split(raw, ",")...)
			}
		}
	}
	return out, nil
}

func (r *Router) handleRecommend(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	var body recommendRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := r.diagnosis.Recommend(req.Context(), info.UserID, diagnosis.RecommendInput{
		Diagnosis: body.Diagnosis,
		Symptoms:  body.Symptoms,
		File:      body.File,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (r *Router) handleAnalyses(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	query, err := historyQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := r.diagnosis.History(req.Context(), info.UserID, query)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       page.Total,
		"page":        page.Page,
		"limit":       page.Limit,
		"total_pages": page.TotalPages,
		"items":       page.Items,
	})
}

func historyQuery(req *http.Request) (diagnosis.HistoryQuery, error) {
	values := req.URL.Query()
	var q diagnosis.HistoryQuery
	var err error
	if q.Page, err = queryInt(values.Get("page")); err != nil {
		return q, errors.New("page must be an integer")
	}
	if raw := values.Get("page"); raw != "" && (q.Page < 1 || q.Page > diagnosis.MaxPage) {
		return q, fmt.Errorf("page must be between 1 and %d", diagnosis.MaxPage)
	}
	if q.Limit, err = queryInt(values.Get("limit")); err != nil {
		return q, errors.New("limit must be an integer")
	}
	if raw := values.Get("limit"); raw != "" && q.Limit < 1 {
		return q, errors.New("limit must be between 1 and 100")
	}
	q.Result = strings.TrimSpace(values.Get("result"))
	q.Symptom = strings.TrimSpace(values.Get("symptom"))
	if q.From, _, err = queryTime(values.Get("from")); err != nil {
		return q, errors.New("from must be RFC 3339 or YYYY-MM-DD")
	}
	to, dateOnly, err := queryTime(values.Get("to"))
	if err != nil {
		return q, errors.New("to must be RFC 3339 or YYYY-MM-DD")
	}
	if dateOnly {
		// a bare date includes the whole day
		to = to.AddDate(0, 0, 1)
	}
	q.To = to
	return q, nil
}

func queryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func queryTime(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func pathID(req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (r *Router) handleAnalysis(w http.ResponseWriter, req *http.Request) {
	info, _ := authInfoFromContext(req.Context())
	id, ok := pathID(req)
	if !ok {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		d, err := r.diagnosis.Get(req.Context(), info.UserID, id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		if err := r.diagnosis.Delete(req.Context(), info.UserID, id); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAnalysisPDF(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	id, ok := pathID(req)
	if !ok {
		r.notFound(w)
		return
	}
	d, err := r.diagnosis.Get(req.Context(), info.UserID, id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	user, err := r.auth.Me(req.Context(), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	var buf bytes.Buffer
	err = report.Render(&buf, report.Input{
		Diagnosis:   *d,
		User:        *user,
		Image:       r.diagnosis.Image(d),
		GeneratedAt: time.Now(),
	})
	if err != nil {
		r.writeServiceError(w, req, fmt.Errorf("render report: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(*d)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	stats, err := r.diagnosis.Stats(req.Context(), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAnalysesWS streams the caller's new diagnoses as they are stored.
func (r *Router) handleAnalysesWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live updates unavailable")
		return
	}
	info, _ := authInfoFromContext(req.Context())
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	topic := diagnosis.TopicPrefix + info.UserID
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer r.hub.Unregister(topic, client)
		client.Serve()
	}()
}
