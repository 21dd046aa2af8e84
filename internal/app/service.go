// Package app exposes the flowchart REST surface and the glue between the
// store, the sync engine, search and the revision archive.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"flowsync/internal/collab"
	"flowsync/internal/flowchart"
	"flowsync/internal/gitrepo"
	"flowsync/internal/search"
	"flowsync/internal/store"
)

type Deps struct {
	Store  store.Store
	Engine *collab.Engine
	Search *search.Service
	// Archive is nil when revision history is disabled.
	Archive *gitrepo.Service
	Logger  *zap.Logger
}

type Service struct {
	store    store.Store
	engine   *collab.Engine
	search   *search.Service
	archive  *gitrepo.Service
	logger   *zap.Logger
	validate *validator.Validate
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, search.NewStoreSearcher(deps.Store), logger)
	}
	return &Service{
		store:    deps.Store,
		engine:   deps.Engine,
		search:   searchSvc,
		archive:  deps.Archive,
		logger:   logger,
		validate: validator.New(),
	}
}

type CreateFlowchartInput struct {
	Name        string           `json:"name" validate:"required,max=200"`
	Cards       []flowchart.Item `json:"cards"`
	Connections []flowchart.Item `json:"connections"`
}

type RevisionView struct {
	Revision gitrepo.Revision   `json:"revision"`
	Document flowchart.Document `json:"document"`
	Changes  []gitrepo.Change   `json:"changes"`
}

func (s *Service) CreateFlowchart(ctx context.Context, input CreateFlowchartInput, userID string) (flowchart.Document, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return flowchart.Document{}, validationError("invalid flowchart", fieldErrors(err))
	}
	if err := flowchart.ValidateItems(flowchart.TargetCard, input.Cards); err != nil {
		return flowchart.Document{}, validationError(err.Error(), nil)
	}
	if err := flowchart.ValidateItems(flowchart.TargetConnection, input.Connections); err != nil {
		return flowchart.Document{}, validationError(err.Error(), nil)
	}

	doc, err := s.store.Create(ctx, flowchart.Document{
		Name:        input.Name,
		Cards:       input.Cards,
		Connections: input.Connections,
		CreatedBy:   userID,
	})
	if err != nil {
		return flowchart.Document{}, err
	}

	s.search.IndexDocument(doc)
	if s.archive != nil {
		if _, err := s.archive.Record(doc, userID, "Create flowchart"); err != nil {
			s.logger.Warn("archive new flowchart", zap.String("documentId", doc.ID), zap.Error(err))
		}
	}
	s.logger.Info("flowchart created", zap.String("documentId", doc.ID), zap.String("userId", userID))
	return doc, nil
}

// GetFlowchart returns the live state of an open document, or the stored copy.
func (s *Service) GetFlowchart(ctx context.Context, id string) (flowchart.Document, error) {
	if s.engine != nil {
		if doc, ok := s.engine.Live(id); ok {
			return doc, nil
		}
	}
	return s.store.Get(ctx, id)
}

func (s *Service) ListFlowcharts(ctx context.Context, q search.Query) (search.Response, error) {
	return s.search.Search(ctx, q)
}

func (s *Service) History(ctx context.Context, id string, limit int) ([]gitrepo.Revision, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotFound, "HISTORY_DISABLED", "Revision history is not enabled", nil)
	}
	if _, err := s.GetFlowchart(ctx, id); err != nil {
		return nil, err
	}
	revisions, err := s.archive.History(id, limit)
	if errors.Is(err, flowchart.ErrNotFound) {
		return []gitrepo.Revision{}, nil
	}
	return revisions, err
}

func (s *Service) Revision(_ context.Context, id, hash string) (RevisionView, error) {
	if s.archive == nil {
		return RevisionView{}, domainError(http.StatusNotFound, "HISTORY_DISABLED", "Revision history is not enabled", nil)
	}
	doc, rev, changes, err := s.archive.Revision(id, hash)
	if err != nil {
		return RevisionView{}, err
	}
	return RevisionView{Revision: rev, Document: doc, Changes: changes}, nil
}

// Save flushes the live state of id. A document nobody has open is already
// durable, so its stored version is reported.
func (s *Service) Save(ctx context.Context, id string) (int64, error) {
	if s.engine != nil {
		if _, ok := s.engine.Live(id); ok {
			version, err := s.engine.Save(ctx, id)
			if err == nil || !errors.Is(err, flowchart.ErrNotFound) {
				return version, err
			}
		}
	}
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *Service) SearchHealthy() bool {
	return s.search.Healthy()
}
