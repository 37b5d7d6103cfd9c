package usecase

import (
	"fmt"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// BoardService reads the local shadow of board content and applies webhook
// tag events to it.
type BoardService struct {
	mirror domain.BoardMirror
}

// NewBoardService wires a BoardService.
func NewBoardService(mirror domain.BoardMirror) *BoardService {
	return &BoardService{mirror: mirror}
}

// Shapes lists the mirrored shapes for boardID.
func (s *BoardService) Shapes(ctx domain.Context, boardID string) ([]domain.ShapeRecord, error) {
	if boardID == "" {
		return nil, fmt.Errorf("op=boards.Shapes: empty board id: %w", domain.ErrInvalidArgument)
	}
	shapes, err := s.mirror.ListShapes(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("op=boards.Shapes: %w", err)
	}
	if shapes == nil {
		shapes = []domain.ShapeRecord{}
	}
	return shapes, nil
}

// Tags lists the tags recorded for boardID.
func (s *BoardService) Tags(ctx domain.Context, boardID string) ([]string, error) {
	if boardID == "" {
		return nil, fmt.Errorf("op=boards.Tags: empty board id: %w", domain.ErrInvalidArgument)
	}
	tags, err := s.mirror.ListTags(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("op=boards.Tags: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// ApplyTagEvent records a webhook tag event against the shadow.
func (s *BoardService) ApplyTagEvent(ctx domain.Context, event, boardID, name string) error {
	if boardID == "" || name == "" {
		return fmt.Errorf("op=boards.ApplyTagEvent: missing board or tag: %w", domain.ErrInvalidArgument)
	}
	if err := s.mirror.EnsureBoard(ctx, boardID); err != nil {
		return err
	}
	switch event {
	case "tag_added":
		return s.mirror.AddTag(ctx, boardID, name)
	case "tag_removed":
		return s.mirror.RemoveTag(ctx, boardID, name)
	}
	return fmt.Errorf("op=boards.ApplyTagEvent: unknown event %q: %w", event, domain.ErrInvalidArgument)
}
