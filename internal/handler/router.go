package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edumind/backend/internal/handler/chat"
	"github.com/edumind/backend/internal/handler/knowledge"
	"github.com/edumind/backend/internal/handler/stream"
	"github.com/edumind/backend/internal/handler/ws"
	middlewarePkg "github.com/edumind/backend/internal/middleware"
	"github.com/edumind/backend/internal/service/ai"
	chatService "github.com/edumind/backend/internal/service/chat"
	knowledgeService "github.com/edumind/backend/internal/service/knowledge"
	"github.com/edumind/backend/internal/service/speech"
	"github.com/edumind/backend/internal/session"
)

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Orchestrator *ai.Orchestrator
	Transcripts  chatService.TranscriptSink
	Knowledge    knowledgeService.Store
	Extractor    knowledgeService.Extractor
	// Recognizers is nil when speech recognition is not configured.
	Recognizers speech.Factory
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	extractor := svc.Extractor
	if extractor == nil {
		extractor = knowledgeService.TextExtractor{}
	}

	r.Route("/api/v1", func(api chi.Router) {
		chat.New(svc.Orchestrator, svc.Transcripts).RegisterRoutes(api)
		stream.New(svc.Orchestrator, svc.Transcripts).RegisterRoutes(api)
		ws.New(session.Dependencies{
			Orchestrator: svc.Orchestrator,
			Transcripts:  svc.Transcripts,
			Recognizers:  svc.Recognizers,
		}).RegisterRoutes(api)

		if svc.Knowledge != nil {
			knowledge.New(svc.Knowledge, extractor).RegisterRoutes(api)
		}
	})

	return r
}
