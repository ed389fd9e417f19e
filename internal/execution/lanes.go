package execution

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"

	"pulz/internal/types"
)

// htmlExecutor renders a one-page proposal site: index.html + styles.css.
type htmlExecutor struct{}

func (e *htmlExecutor) Lane() types.Lane { return types.LaneHTML }

func (e *htmlExecutor) Plan(p types.Proposal) Plan {
	return Plan{EstimatedTokens: estimateTokens(RenderText(p)), EstimatedSeconds: 2}
}

const stylesCSS = `body {
  margin: 0;
  font-family: system-ui, sans-serif;
  background: #0f172a;
  color: #e2e8f0;
}
main {
  max-width: 720px;
  margin: 48px auto;
  padding: 32px;
  background: #111827;
  border-radius: 12px;
}
h1 {
  color: #38bdf8;
}
ul li {
  margin: 8px 0;
}
.price {
  color: #38bdf8;
  font-weight: 600;
}
`

func (e *htmlExecutor) Run(ctx context.Context, p types.Proposal) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	var options strings.Builder
	for _, opt := range p.Data.SolutionOptions {
		fmt.Fprintf(&options, "      <li>%s</li>\n", html.EscapeString(opt))
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Proposal</title>
  <link rel="stylesheet" href="styles.css">
</head>
<body>
  <main>
    <h1>Proposal</h1>
    <p>%s</p>
    <h2>Solution options</h2>
    <ul>
%s    </ul>
    <p class="price">Estimated: %d minutes of build time, %s</p>
    <pre>%s</pre>
  </main>
</body>
</html>
`,
		html.EscapeString(p.Data.ProblemSummary),
		options.String(),
		p.Data.EstimatedBuildTimeMinutes,
		html.EscapeString(p.Data.SuggestedPriceRange),
		html.EscapeString(p.Data.MessageTemplate),
	)

	return Outcome{
		Files: []OutFile{
			{Name: "index.html", Kind: types.ArtifactHTML, Data: []byte(page)},
			{Name: "styles.css", Kind: types.ArtifactHTML, Data: []byte(stylesCSS)},
		},
	}, nil
}

// pdfExecutor renders the proposal as a single PDF.
type pdfExecutor struct{}

func (e *pdfExecutor) Lane() types.Lane { return types.LanePDF }

func (e *pdfExecutor) Plan(p types.Proposal) Plan {
	return Plan{EstimatedTokens: estimateTokens(RenderText(p)), EstimatedSeconds: 2}
}

func (e *pdfExecutor) Run(ctx context.Context, p types.Proposal) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Files: []OutFile{
			{Name: "proposal.pdf", Kind: types.ArtifactPDF, Data: simplePDFBytes(RenderText(p))},
		},
	}, nil
}

// docExecutor renders a markdown document plus its PDF rendition.
type docExecutor struct{}

func (e *docExecutor) Lane() types.Lane { return types.LaneDoc }

func (e *docExecutor) Plan(p types.Proposal) Plan {
	return Plan{EstimatedTokens: estimateTokens(RenderText(p)), EstimatedSeconds: 3}
}

func (e *docExecutor) Run(ctx context.Context, p types.Proposal) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	text := RenderText(p)
	markdown := fmt.Sprintf("# Proposal Document\n\n%s\n", text)
	return Outcome{
		Files: []OutFile{
			{Name: "document.md", Kind: types.ArtifactDoc, Data: []byte(markdown)},
			{Name: "document.pdf", Kind: types.ArtifactPDF, Data: simplePDFBytes(text)},
		},
	}, nil
}

// siteExecutor renders a three-page static site plus a flat zip bundle.
type siteExecutor struct{}

func (e *siteExecutor) Lane() types.Lane { return types.LaneSite }

func (e *siteExecutor) Plan(p types.Proposal) Plan {
	return Plan{EstimatedTokens: estimateTokens(RenderText(p)), EstimatedSeconds: 5}
}

func (e *siteExecutor) Run(ctx context.Context, p types.Proposal) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	pages := []OutFile{
		{Name: "index.html", Kind: types.ArtifactHTML, Data: sitePage("Home", p.Data.ProblemSummary)},
		{Name: "about.html", Kind: types.ArtifactHTML, Data: sitePage("About", "A focused build with quick delivery: "+p.Data.SuggestedPriceRange)},
		{Name: "contact.html", Kind: types.ArtifactHTML, Data: sitePage("Contact", p.Data.ContactMethod)},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, page := range pages {
		w, err := zw.Create(page.Name)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to build site bundle: %w", err)
		}
		if _, err := w.Write(page.Data); err != nil {
			return Outcome{}, fmt.Errorf("failed to build site bundle: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return Outcome{}, fmt.Errorf("failed to finish site bundle: %w", err)
	}

	files := append(pages, OutFile{Name: "site.zip", Kind: types.ArtifactZip, Data: buf.Bytes()})
	return Outcome{Files: files}, nil
}

func sitePage(title, body string) []byte {
	return []byte(fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>%s</title>
</head>
<body style="background:#0f172a;color:#e2e8f0;font-family:system-ui,sans-serif">
  <main style="max-width:720px;margin:48px auto;padding:32px;background:#111827;border-radius:12px">
    <h1 style="color:#38bdf8">%s</h1>
    <p>%s</p>
    <nav><a href="index.html">Home</a> | <a href="about.html">About</a> | <a href="contact.html">Contact</a></nav>
  </main>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(body)))
}
