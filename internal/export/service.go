package export

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"reviewroom/api/internal/room"
)

// Service turns a room state into a downloadable document.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Export renders the room's PRD plus optional appendices in the requested
// format. The room blob already carries everything we need, so there is no
// separate data-access layer here.
func (s *Service) Export(state *room.State, req Request) (*Result, error) {
	title := documentTitle(state.Content, state.RoomID)

	data := TemplateData{
		Title:       title,
		RoomID:      state.RoomID,
		Status:      string(state.Settings.Status),
		ContentHTML: template.HTML(MarkdownToHTML(state.Content)),
		UpdatedAt:   time.UnixMilli(state.LastUpdated),
	}

	if req.IncludeComments {
		for _, c := range state.Comments {
			data.Comments = append(data.Comments, TemplateComment{
				Type:     c.Type,
				Severity: c.Severity,
				Position: c.Position,
				Quoted:   c.OriginalText,
				Body:     c.Comment,
				Author:   c.Author,
			})
		}
	}

	if req.IncludeDecisions {
		for _, a := range room.ExtractAnchors(state.Content) {
			d, ok := state.Decisions[a.Key()]
			if !ok {
				continue
			}
			data.Decisions = append(data.Decisions, templateDecision(d))
		}
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func templateDecision(d room.Decision) TemplateDecision {
	td := TemplateDecision{
		Question:   d.Question,
		TotalVotes: d.TotalVotes,
		AISummary:  d.AISummary,
	}
	for i, label := range d.Options {
		td.Options = append(td.Options, TemplateOption{
			Label: label,
			Votes: d.Votes[fmt.Sprintf("%d", i)],
		})
	}
	return td
}

// documentTitle takes the first markdown heading, falling back to the room id.
func documentTitle(content, roomID string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return "PRD " + roomID
}
