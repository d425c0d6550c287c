package export

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/pkg/notion"
)

// titleProp is the title column of the target database.
const titleProp = "Name"

// Notion upserts companies into a database, matching existing pages by title.
type Notion struct {
	client     notion.Client
	databaseID string
}

// NewNotion creates an exporter for the given database.
func NewNotion(c notion.Client, databaseID string) *Notion {
	return &Notion{client: c, databaseID: databaseID}
}

// Export updates the page of every company already in the database and
// creates pages for the rest. On error it returns the number written so far.
func (n *Notion) Export(ctx context.Context, _ model.ExportPayload, companies []model.CompanyRecord) (int, error) {
	pages, err := notion.QueryAll(ctx, n.client, n.databaseID)
	if err != nil {
		return 0, eris.Wrap(err, "export: load notion pages")
	}
	existing := notion.IndexByTitle(pages, titleProp)

	var created, updated int
	for _, c := range companies {
		if err := ctx.Err(); err != nil {
			return created + updated, eris.Wrap(err, "export: notion cancelled")
		}
		props := companyProperties(c)
		if id, ok := existing[strings.ToLower(strings.TrimSpace(c.CanonicalName))]; ok {
			if _, err := n.client.UpdatePage(ctx, id, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
				return created + updated, eris.Wrapf(err, "export: update %s", c.CanonicalName)
			}
			updated++
			continue
		}
		req := &notionapi.PageCreateRequest{
			Parent: notionapi.Parent{
				Type:       notionapi.ParentTypeDatabaseID,
				DatabaseID: notionapi.DatabaseID(n.databaseID),
			},
			Properties: props,
		}
		if _, err := n.client.CreatePage(ctx, req); err != nil {
			return created + updated, eris.Wrapf(err, "export: create %s", c.CanonicalName)
		}
		created++
	}

	zap.L().Info("export: synced notion database",
		zap.String("database_id", n.databaseID),
		zap.Int("created", created),
		zap.Int("updated", updated),
	)
	return created + updated, nil
}

func companyProperties(c model.CompanyRecord) notionapi.Properties {
	props := notionapi.Properties{
		titleProp:         notion.Title(c.CanonicalName),
		"Tool":            notion.Select(string(c.Tools.Detected())),
		"Outreach":        notion.Checkbox(c.Tools.Outreach),
		"Salesloft":       notion.Checkbox(c.Tools.Salesloft),
		"Confidence":      notion.Select(string(c.ConfidenceLevel)),
		"Signal Strength": notion.Number(c.SignalStrength),
		"Times Seen":      notion.Number(float64(c.TimesSeen)),
	}
	if c.Domain != "" {
		props["Website"] = notion.URL(c.Domain)
	}
	if c.LastVerifiedAt != nil {
		props["Last Verified"] = notion.Date(*c.LastVerifiedAt)
	}
	return props
}
