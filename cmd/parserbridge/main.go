// Command parserbridge is the isolated subprocess spawned per document by
// internal/crawler.ParserBridge. It reads one ParserRequest as JSON on
// stdin, extracts document metadata and a readable-content markdown body
// from the already-fetched HTML, and writes one ParserResponse as JSON on
// stdout. Any failure is written as {"error": "..."} on stdout and the
// process exits non-zero; an out-of-budget heap growth is left to the Go
// runtime/OS to kill outright (exit 137 or SIGABRT), which the parent
// process classifies as an OOM failure rather than this binary detecting
// it directly.
//
// Kept deliberately small and dependency-light: unlike the full crawl
// pipeline this process never makes a network call, never touches a
// browser, and exits after a single request.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"
)

// parserRequest mirrors internal/crawler.ParserRequest.
type parserRequest struct {
	HTMLContent string `json:"html_content"`
	URL         string `json:"url"`
	JobID       string `json:"job_id"`
}

type parserMetadata struct {
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Author        string     `json:"author"`
	Publisher     string     `json:"publisher"`
	ImageURL      string     `json:"image_url"`
	Favicon       string     `json:"favicon"`
	DatePublished *time.Time `json:"date_published,omitempty"`
	DateModified  *time.Time `json:"date_modified,omitempty"`
}

type readableContent struct {
	Content string `json:"content"`
}

type parserResponse struct {
	Metadata        parserMetadata   `json:"metadata"`
	ReadableContent *readableContent `json:"readable_content"`
}

type parserErrorResponse struct {
	Error string `json:"error"`
}

func main() {
	memLimitMB := flag.Int("mem-limit-mb", 512, "soft heap limit in MiB before the Go GC starts fighting to stay under it")
	flag.Parse()

	debug.SetMemoryLimit(int64(*memLimitMB) * 1024 * 1024)

	if err := run(os.Stdin, os.Stdout); err != nil {
		writeError(os.Stdout, err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer) error {
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	var req parserRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	log.Info().Str("job_id", req.JobID).Str("url", req.URL).Msg("parsing document")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(req.HTMLContent))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	resp := parserResponse{
		Metadata:        extractMetadata(doc, req.URL),
		ReadableContent: extractReadableContent(doc, req.URL),
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = out.Write(encoded)
	return err
}

func writeError(out io.Writer, err error) {
	encoded, marshalErr := json.Marshal(parserErrorResponse{Error: err.Error()})
	if marshalErr != nil {
		fmt.Fprintf(out, `{"error":%q}`, err.Error())
		return
	}
	out.Write(encoded)
}

// extractMetadata pulls standard meta tags, Open Graph properties, and
// the favicon link out of the parsed document.
func extractMetadata(doc *goquery.Document, pageURL string) parserMetadata {
	var meta parserMetadata

	meta.Title = strings.TrimSpace(doc.Find("title").First().Text())

	openGraph := make(map[string]string)
	doc.Find("meta[property^='og:']").Each(func(_ int, s *goquery.Selection) {
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		if property != "" && content != "" {
			openGraph[property] = content
		}
	})

	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		content, _ := s.Attr("content")
		if name == "" || content == "" {
			return
		}
		switch strings.ToLower(name) {
		case "description":
			if meta.Description == "" {
				meta.Description = content
			}
		case "author":
			meta.Author = content
		}
	})
	if meta.Description == "" {
		meta.Description = openGraph["og:description"]
	}
	if v, ok := openGraph["og:site_name"]; ok {
		meta.Publisher = v
	}
	if v, ok := openGraph["og:image"]; ok {
		meta.ImageURL = v
	}

	if href, ok := doc.Find("link[rel='icon']").First().Attr("href"); ok {
		meta.Favicon = href
	} else if href, ok := doc.Find("link[rel='shortcut icon']").First().Attr("href"); ok {
		meta.Favicon = href
	}

	meta.DatePublished = parseJSONLDDate(doc, "datePublished")
	meta.DateModified = parseJSONLDDate(doc, "dateModified")

	return meta
}

// parseJSONLDDate looks for the first application/ld+json script
// carrying the named date field, without pulling in a full schema.org
// decoder.
func parseJSONLDDate(doc *goquery.Document, field string) *time.Time {
	var found *time.Time
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true // keep looking, this script wasn't a single JSON-LD object
		}
		raw, ok := data[field].(string)
		if !ok {
			return true
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return true
		}
		found = &t
		return false
	})
	return found
}

var boilerplateSelectors = "nav, header, footer, aside, script, style, noscript, [class*=ad], [id*=ad], [class*=promo], [class*=sidebar]"

// extractReadableContent isolates the main article body
// (main/article/[role=main] first, falling back to boilerplate stripping
// on the full document), then converts it to markdown.
func extractReadableContent(doc *goquery.Document, pageURL string) *readableContent {
	main := doc.Find("main, article, [role=main]").First()
	var target *goquery.Selection
	if main.Length() > 0 {
		target = main
	} else {
		body := doc.Find("body")
		if body.Length() == 0 {
			return nil
		}
		body.Find(boilerplateSelectors).Remove()
		target = body
	}

	cleanedHTML, err := goquery.OuterHtml(target)
	if err != nil {
		log.Warn().Err(err).Msg("failed to serialize main content for markdown conversion")
		return nil
	}

	converter := md.NewConverter(pageURL, true, nil)
	markdown, err := converter.ConvertString(cleanedHTML)
	if err != nil {
		log.Warn().Err(err).Msg("failed to convert html to markdown")
		return nil
	}

	return &readableContent{Content: collapseBlankLines(markdown)}
}

var multiBlankLine = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return multiBlankLine.ReplaceAllString(strings.TrimSpace(s), "\n\n")
}
