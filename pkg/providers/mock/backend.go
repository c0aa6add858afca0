// Package mock provides offline stand-ins for the external collaborators: a
// backend serving the suggestion, analysis and persistence endpoints, and a
// capture source that replays a scripted consultation.
package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/consulta/pkg/analysis"
	"github.com/harunnryd/consulta/pkg/logging"
	"github.com/harunnryd/consulta/pkg/suggest"
)

var (
	defaultEnglishQuestions = []string{
		"When did the symptoms start?",
		"Do you have a fever?",
		"Are you taking any medications?",
		"Does anything make the pain worse?",
		"Any allergies to medications?",
		"Has anyone in your family had similar problems?",
	}
	defaultArabicQuestions = []string{
		"الأعراض بدأت امتى؟",
		"هل عندك حرارة؟",
		"بتاخد أي أدوية حاليا؟",
		"فيه حاجة بتزود الألم؟",
		"عندك حساسية من أي دوا؟",
		"حد في العيلة عنده نفس المشكلة؟",
	}
)

type BackendConfig struct {
	// Questions overrides the built-in pools for every stream.
	Questions []string `mapstructure:"questions"`
	// EventDelay is the pause before each streamed question.
	EventDelay time.Duration `mapstructure:"event_delay"`
	// Result overrides the generated analysis result.
	Result *analysis.Result `mapstructure:"-"`
	// SaveDir receives saved visits as JSON files; empty keeps them in memory.
	SaveDir string       `mapstructure:"save_dir"`
	Logger  *slog.Logger `mapstructure:"-"`
}

// Backend serves the suggestion, analysis and persistence endpoints.
type Backend struct {
	cfg    BackendConfig
	logger *slog.Logger
	mux    *http.ServeMux

	mu      sync.Mutex
	streams int
	visits  []analysis.Visit
}

func NewBackend(cfg BackendConfig) *Backend {
	b := &Backend{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "mock_backend"),
		mux:    http.NewServeMux(),
	}
	b.mux.HandleFunc("POST "+suggest.DefaultPath, b.handleSuggest)
	b.mux.HandleFunc("POST "+analysis.PathAnalyze, b.handleAnalyze)
	b.mux.HandleFunc("POST "+analysis.PathAnalyzeAudio, b.handleAnalyzeAudio)
	b.mux.HandleFunc("POST "+analysis.PathSaveVisit, b.handleSave)
	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// Visits returns the visits saved so far.
func (b *Backend) Visits() []analysis.Visit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]analysis.Visit(nil), b.visits...)
}

func (b *Backend) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text         string `json:"text"`
		MaxQuestions int    `json:"max_questions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.MaxQuestions <= 0 {
		req.MaxQuestions = suggest.DefaultMaxQuestions
	}
	b.mu.Lock()
	seq := b.streams
	b.streams++
	b.mu.Unlock()

	pool := b.cfg.Questions
	if len(pool) == 0 {
		pool = defaultEnglishQuestions
		if analysis.DetectLanguage(req.Text) != analysis.LanguageEnglish {
			pool = defaultArabicQuestions
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	send := func(name string, data any) {
		payload, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send(suggest.EventPing, map[string]any{})
	for i := 0; i < req.MaxQuestions; i++ {
		if b.cfg.EventDelay > 0 {
			select {
			case <-time.After(b.cfg.EventDelay):
			case <-r.Context().Done():
				return
			}
		}
		send(suggest.EventQuestion, map[string]string{"q": pool[(seq*req.MaxQuestions+i)%len(pool)]})
	}
	send(suggest.EventDone, map[string]any{})
	b.logger.Debug("mock_suggest_stream_served", "stream", seq, "questions", req.MaxQuestions)
}

func (b *Backend) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analysis.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	text := req.Text()
	if strings.TrimSpace(text) == "" {
		http.Error(w, "empty transcript", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, b.result(text))
}

func (b *Backend) handleAnalyzeAudio(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()
	n, _ := io.Copy(io.Discard, file)
	res := b.result(fmt.Sprintf("Recorded consultation %s (%d bytes).", header.Filename, n))
	writeJSON(w, res)
}

func (b *Backend) handleSave(w http.ResponseWriter, r *http.Request) {
	var visit analysis.Visit
	if err := json.NewDecoder(r.Body).Decode(&visit); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.visits = append(b.visits, visit)
	n := len(b.visits)
	b.mu.Unlock()

	name := fmt.Sprintf("visit_%s_%d.json", visit.SessionID, n)
	if b.cfg.SaveDir != "" {
		if err := os.MkdirAll(b.cfg.SaveDir, 0o755); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, _ := json.MarshalIndent(visit, "", "  ")
		path := filepath.Join(b.cfg.SaveDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		name = path
	}
	writeJSON(w, analysis.Receipt{OK: true, File: name})
}

func (b *Backend) result(text string) analysis.Result {
	if b.cfg.Result != nil {
		res := b.cfg.Result.Clone()
		res.Transcript = text
		return res
	}
	res := analysis.Result{
		Transcript: text,
		DifferentialDiagnosis: []analysis.Diagnosis{
			{Name: "Viral upper respiratory infection", Probability: 0.55},
			{Name: "Allergic rhinitis", Probability: 0.25},
		},
		SOAPNotes: &analysis.SOAPNotes{
			Subjective: firstSentence(text),
			Assessment: "Symptoms consistent with a self-limiting viral illness.",
			Plan:       "Supportive care and review if symptoms persist.",
		},
		TreatmentPlan: "Rest, fluids and symptomatic relief.",
		Prescription: []string{
			"Paracetamol 500mg every 6 hours as needed",
			"Follow up in one week",
		},
		SuggestedQuestions: defaultEnglishQuestions[:3],
	}
	if analysis.DetectLanguage(text) != analysis.LanguageEnglish {
		res.SuggestedQuestions = defaultArabicQuestions[:3]
	}
	return res
}

func firstSentence(text string) string {
	if i := strings.IndexAny(text, ".?!؟"); i >= 0 {
		_, size := utf8.DecodeRuneInString(text[i:])
		return strings.TrimSpace(text[:i+size])
	}
	return strings.TrimSpace(text)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
