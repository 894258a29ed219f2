package xmlstock

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resilience"
)

// API error codes with special handling. Everything else is permanent.
const (
	CodeNoResults       = 15
	CodeTooManyRequests = 55
	CodeNotReady        = 202
	CodeQueued          = 210
)

type searchResponse struct {
	Response struct {
		Error  *apiError `xml:"error"`
		ReqID  string    `xml:"reqid"`
		Found  []found   `xml:"found"`
		Groups []group   `xml:"results>grouping>group"`
	} `xml:"response"`
}

type apiError struct {
	Code    int    `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type found struct {
	Priority string `xml:"priority,attr"`
	Value    int64  `xml:",chardata"`
}

type group struct {
	Docs []doc `xml:"doc"`
}

type doc struct {
	URL      string     `xml:"url"`
	Domain   string     `xml:"domain"`
	Title    richText   `xml:"title"`
	Passages []richText `xml:"passages>passage"`
	Inner    []byte     `xml:",innerxml"`
}

// richText is an element whose text is interleaved with <hlword> markup.
type richText struct {
	Text       string
	Highlights []string
}

func (r *richText) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	var text, hl strings.Builder
	depth := 0
	inHL := false
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == "hlword" {
				inHL = true
				hl.Reset()
			}
		case xml.EndElement:
			if depth == 0 {
				r.Text = strings.Join(strings.Fields(text.String()), " ")
				return nil
			}
			depth--
			if t.Name.Local == "hlword" {
				inHL = false
				if w := strings.TrimSpace(hl.String()); w != "" {
					r.Highlights = append(r.Highlights, w)
				}
			}
		case xml.CharData:
			text.Write(t)
			if inHL {
				hl.Write(t)
			}
		}
	}
}

// ParseResponse decodes a search response body into a completion for
// keyword. Results are capped at maxTop. API error 15 yields an empty
// payload; the other codes are tagged transient or permanent.
func ParseResponse(keyword string, body []byte, maxTop int) (model.Completion, error) {
	var sr searchResponse
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = decodeCharset
	if err := dec.Decode(&sr); err != nil {
		return model.Completion{}, resilience.NewPermanentError(eris.Wrap(err, "xmlstock: decode response"), 0)
	}
	resp := sr.Response

	if resp.Error != nil {
		if resp.Error.Code == CodeNoResults {
			p := model.Payload{Results: []model.ResultDoc{}}
			return model.Completion{RequestID: resp.ReqID, Payload: p}, nil
		}
		return model.Completion{}, classifyAPIError(resp.Error)
	}

	if maxTop <= 0 {
		maxTop = model.DefaultMaxTopResults
	}
	p := buildPayload(keyword, resp.Groups, foundDocs(resp.Found), maxTop)
	p.Normalize(maxTop)
	return model.Completion{RequestID: resp.ReqID, Payload: p}, nil
}

func classifyAPIError(e *apiError) error {
	err := eris.Errorf("xmlstock: api error %d: %s", e.Code, strings.TrimSpace(e.Message))
	switch e.Code {
	case CodeTooManyRequests:
		return resilience.NewTransientError(err, http.StatusTooManyRequests)
	case CodeNotReady, CodeQueued:
		return resilience.NewTransientError(err, 0)
	default:
		return resilience.NewPermanentError(err, e.Code)
	}
}

// foundDocs prefers the "all" estimate, falling back to the first one.
func foundDocs(fs []found) int64 {
	for _, f := range fs {
		if f.Priority == "all" {
			return f.Value
		}
	}
	if len(fs) > 0 {
		return fs[0].Value
	}
	return 0
}

func buildPayload(keyword string, groups []group, total int64, maxTop int) model.Payload {
	p := model.Payload{FoundDocs: total, Results: make([]model.ResultDoc, 0, len(groups))}
	kw := strings.ToLower(strings.TrimSpace(keyword))
	queryWords := make(map[string]struct{})
	for _, w := range strings.Fields(kw) {
		queryWords[w] = struct{}{}
	}

	for _, g := range groups {
		if len(p.Results) == maxTop {
			break
		}
		if len(g.Docs) == 0 {
			continue
		}
		d := g.Docs[0]
		rd := model.ResultDoc{
			URL:          strings.TrimSpace(d.URL),
			Domain:       strings.ToLower(strings.TrimSpace(d.Domain)),
			Title:        d.Title.Text,
			IsCommercial: bytes.Contains(d.Inner, []byte("<offer_info")),
		}
		p.Results = append(p.Results, rd)

		if isMainPage(rd.URL) {
			p.MainPages++
		}
		if kw != "" && strings.Contains(strings.ToLower(rd.Title), kw) {
			p.TitlesWithKeyword++
		}

		hls := append([]string{}, d.Title.Highlights...)
		for _, ps := range d.Passages {
			hls = append(hls, ps.Highlights...)
		}
		for _, h := range hls {
			h = strings.ToLower(h)
			if _, ok := queryWords[h]; ok {
				continue
			}
			p.Phrases = append(p.Phrases, h)
		}
	}
	return p
}

// isMainPage reports whether u points at a site root.
func isMainPage(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	return (parsed.Path == "" || parsed.Path == "/") && parsed.RawQuery == ""
}

// decodeCharset handles the windows-1251 declaration older API
// responses and legacy cache rows carry.
func decodeCharset(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "utf8":
		return input, nil
	case "windows-1251", "cp1251":
		return charmap.Windows1251.NewDecoder().Reader(input), nil
	default:
		return nil, eris.New("xmlstock: unsupported charset " + strconv.Quote(charset))
	}
}
