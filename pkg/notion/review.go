package notion

import (
	"fmt"

	"github.com/jomei/notionapi"
)

// ReviewItem is one merge-candidate row pushed to the review database.
type ReviewItem struct {
	ProspectID    string
	ProspectName  string
	CandidateID   string
	CandidateName string
	Signal        string
	Similarity    float64
}

// BuildReviewPage constructs the page-create request for a review item.
// The target database is expected to carry Name (title), Prospect,
// Candidate, Signal, Similarity, and Status properties.
func BuildReviewPage(dbID string, item ReviewItem) *notionapi.PageCreateRequest {
	title := fmt.Sprintf("%s ~ %s", item.ProspectName, item.CandidateName)
	return &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Title: []notionapi.RichText{{Text: &notionapi.Text{Content: title}}},
			},
			"Prospect": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: item.ProspectID}}},
			},
			"Candidate": notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: item.CandidateID}}},
			},
			"Signal": notionapi.SelectProperty{
				Select: notionapi.Option{Name: item.Signal},
			},
			"Similarity": notionapi.NumberProperty{
				Number: item.Similarity,
			},
			"Status": notionapi.SelectProperty{
				Select: notionapi.Option{Name: "Pending"},
			},
		},
	}
}
