package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly"

	"portalbridge/internal/config"
)

// Source is one proxy list provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// NewSource builds the source described by def.
func NewSource(def config.SourceDef, timeout time.Duration) (Source, error) {
	client := &http.Client{Timeout: timeout}
	switch def.Kind {
	case "text":
		return &TextSource{URL: def.URL, Client: client}, nil
	case "json":
		return &JSONSource{URL: def.URL, Client: client}, nil
	case "html":
		return &HTMLTableSource{URL: def.URL, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown proxy source kind %q", def.Kind)
	}
}

// TextSource reads one host:port per line.
type TextSource struct {
	URL    string
	Client *http.Client
}

func (s *TextSource) Name() string { return "text:" + s.URL }

func (s *TextSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := get(ctx, s.Client, s.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if ep, ok := NormalizeEndpoint(sc.Text()); ok {
			out = append(out, ep)
		}
	}
	return out, sc.Err()
}

// JSONSource reads {"data":[{"ip":"1.2.3.4","port":"8080"}]} documents.
type JSONSource struct {
	URL    string
	Client *http.Client
}

func (s *JSONSource) Name() string { return "json:" + s.URL }

type jsonList struct {
	Data []struct {
		IP   string          `json:"ip"`
		Port json.RawMessage `json:"port"`
	} `json:"data"`
}

func (s *JSONSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := get(ctx, s.Client, s.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var list jsonList
	if err := json.NewDecoder(body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.URL, err)
	}
	out := make([]string, 0, len(list.Data))
	for _, d := range list.Data {
		port := strings.Trim(string(d.Port), `"`)
		if ep, ok := NormalizeEndpoint(d.IP + ":" + port); ok {
			out = append(out, ep)
		}
	}
	return out, nil
}

// HTMLTableSource scrapes tables with "IP" and "Port" header columns.
type HTMLTableSource struct {
	URL     string
	Timeout time.Duration
}

func (s *HTMLTableSource) Name() string { return "html:" + s.URL }

func (s *HTMLTableSource) Fetch(ctx context.Context) ([]string, error) {
	c := colly.NewCollector()
	if s.Timeout > 0 {
		c.SetRequestTimeout(s.Timeout)
	}

	var out []string
	var fetchErr error
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})
	c.OnHTML("table", func(e *colly.HTMLElement) {
		ipCol, portCol := -1, -1
		e.ForEach("tr th", func(i int, th *colly.HTMLElement) {
			switch strings.ToLower(strings.TrimSpace(th.Text)) {
			case "ip", "ip address", "host":
				ipCol = i
			case "port", "puerto":
				portCol = i
			}
		})
		if ipCol < 0 || portCol < 0 {
			return
		}
		e.ForEach("tr", func(_ int, tr *colly.HTMLElement) {
			var cells []string
			tr.ForEach("td", func(_ int, td *colly.HTMLElement) {
				cells = append(cells, strings.TrimSpace(td.Text))
			})
			if len(cells) <= ipCol || len(cells) <= portCol {
				return
			}
			if ep, ok := NormalizeEndpoint(cells[ipCol] + ":" + cells[portCol]); ok {
				out = append(out, ep)
			}
		})
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.Visit(s.URL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", s.URL, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return out, nil
}

func get(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// NormalizeEndpoint canonicalizes "host:port" strings, dropping schemes and
// anything that is not a valid port.
func NormalizeEndpoint(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimRight(s, "/")
	if s == "" || strings.HasPrefix(s, "#") {
		return "", false
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return "", false
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", false
	}
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(p)), true
}
