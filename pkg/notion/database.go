package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll fetches every page of a database, following cursors. The next
// page is requested while the current one is appended.
func QueryAll(ctx context.Context, c Client, dbID string) ([]notionapi.Page, error) {
	type result struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}
	fetch := func(cursor notionapi.Cursor) <-chan result {
		ch := make(chan result, 1)
		go func() {
			resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{StartCursor: cursor, PageSize: 100})
			ch <- result{resp: resp, err: err}
		}()
		return ch
	}

	var pages []notionapi.Page
	next := fetch("")
	for {
		r := <-next
		if r.err != nil {
			return nil, eris.Wrap(r.err, "notion: query all")
		}
		if r.resp.HasMore {
			next = fetch(r.resp.NextCursor)
		}
		pages = append(pages, r.resp.Results...)
		if !r.resp.HasMore {
			return pages, nil
		}
	}
}

// IndexByTitle maps the lowercased title of each page to its ID. Pages with
// an empty title are skipped; on duplicates the first page wins.
func IndexByTitle(pages []notionapi.Page, prop string) map[string]string {
	idx := make(map[string]string, len(pages))
	for _, p := range pages {
		key := strings.ToLower(strings.TrimSpace(TitleOf(p, prop)))
		if key == "" {
			continue
		}
		if _, ok := idx[key]; !ok {
			idx[key] = string(p.ID)
		}
	}
	return idx
}
