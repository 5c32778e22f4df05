// Package clid derives the per-request challenge token from a page-scraped
// verification key and the home page's loading-animation curves.
package clid

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/IshaanNene/BirdStalk/internal/account"
)

const (
	homeURL = "https://x.com/home"

	// epochOffset anchors the token timestamp (seconds since 2023-05-01).
	epochOffset = 1682924400

	defaultKeyword = "obfiowerehiring"
	defaultRandNum = 3
)

var indicesRe = regexp.MustCompile(`\(\w\[(\d{1,2})\],\s*16\)`)

// Generator computes challenge tokens from the scraped key material.
type Generator struct {
	vkBytes []byte
	animKey string
}

// New scrapes the home page for the verification key and animation curves
// and returns a ready generator.
func New(ctx context.Context, clt *http.Client) (*Generator, error) {
	if clt == nil {
		clt = &http.Client{Timeout: 30 * time.Second}
	}

	text, err := pageText(ctx, clt, homeURL)
	if err != nil {
		return nil, err
	}

	vkBytes, err := parseVerificationKey(text)
	if err != nil {
		return nil, err
	}

	animIdx, err := parseAnimIndices(ctx, clt, text)
	if err != nil {
		return nil, err
	}

	animArr, err := parseAnimFrames(text, vkBytes)
	if err != nil {
		return nil, err
	}

	frameTime := 1
	for _, idx := range animIdx[1:] {
		frameTime *= int(vkBytes[idx]) % 16
	}
	frameRow := animArr[int(vkBytes[animIdx[0]])%16%len(animArr)]
	frameDur := float64(frameTime) / 4096

	return &Generator{
		vkBytes: vkBytes,
		animKey: animKey(frameRow, frameDur),
	}, nil
}

// Calc derives the opaque token for one request.
func (g *Generator) Calc(method, path string) (string, error) {
	ts := int64(math.Floor(float64(time.Now().UnixMilli()-epochOffset*1000) / 1000))
	tsBytes := []byte{
		byte(ts), byte(ts >> 8), byte(ts >> 16), byte(ts >> 24),
	}

	payload := fmt.Sprintf("%s!%s!%d%s%s", strings.ToUpper(method), path, ts, defaultKeyword, g.animKey)
	digest := sha256.Sum256([]byte(payload))

	pld := append([]byte{}, g.vkBytes...)
	pld = append(pld, tsBytes...)
	pld = append(pld, digest[:16]...)
	pld = append(pld, defaultRandNum)

	key := byte(rand.Intn(256))
	out := make([]byte, 0, len(pld)+1)
	out = append(out, key)
	for _, b := range pld {
		out = append(out, b^key)
	}

	return strings.TrimRight(base64.StdEncoding.EncodeToString(out), "="), nil
}

// pageText fetches a page, following the remote's javascript-redirect and
// migrate-form dance when served instead of the real content.
func pageText(ctx context.Context, clt *http.Client, url string) (string, error) {
	text, err := get(ctx, clt, url)
	if err != nil {
		return "", err
	}
	if !strings.Contains(text, ">document.location =") {
		return text, nil
	}

	next := strings.Split(strings.Split(text, `document.location = "`)[1], `"`)[0]
	text, err = get(ctx, clt, next)
	if err != nil {
		return "", err
	}
	if !strings.Contains(text, `action="https://x.com/x/migrate" method="post"`) {
		return text, nil
	}

	form := map[string]string{}
	for _, chunk := range strings.Split(text, "<input")[1:] {
		nameParts := strings.Split(chunk, `name="`)
		valueParts := strings.Split(chunk, `value="`)
		if len(nameParts) < 2 || len(valueParts) < 2 {
			continue
		}
		name := strings.Split(nameParts[1], `"`)[0]
		value := strings.Split(valueParts[1], `"`)[0]
		form[name] = value
	}

	body, _ := json.Marshal(form)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://x.com/x/migrate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", account.NextUserAgent())

	rep, err := clt.Do(req)
	if err != nil {
		return "", err
	}
	defer rep.Body.Close()
	if rep.StatusCode >= 400 {
		return "", fmt.Errorf("migrate form: status %d", rep.StatusCode)
	}
	raw, err := io.ReadAll(rep.Body)
	return string(raw), err
}

func get(ctx context.Context, clt *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("user-agent", account.NextUserAgent())

	rep, err := clt.Do(req)
	if err != nil {
		return "", err
	}
	defer rep.Body.Close()
	if rep.StatusCode >= 400 {
		return "", fmt.Errorf("get %s: status %d", url, rep.StatusCode)
	}
	raw, err := io.ReadAll(rep.Body)
	return string(raw), err
}

// parseVerificationKey pulls the key bytes out of the
// twitter-site-verification meta tag.
func parseVerificationKey(text string) ([]byte, error) {
	doc, err := htmlquery.Parse(strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	node := htmlquery.FindOne(doc, `//meta[@name="twitter-site-verification"]/@content`)
	if node == nil {
		return nil, fmt.Errorf("couldn't find verification key meta tag")
	}
	raw, err := base64.StdEncoding.DecodeString(htmlquery.InnerText(node))
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	return raw, nil
}

// parseAnimIndices finds the on-demand script referenced by the page and
// extracts the byte indices the key derivation reads.
func parseAnimIndices(ctx context.Context, clt *http.Client, text string) ([]int, error) {
	scriptURL, err := onDemandScriptURL(text)
	if err != nil {
		return nil, err
	}

	script, err := pageText(ctx, clt, scriptURL)
	if err != nil {
		return nil, err
	}

	var out []int
	for _, m := range indicesRe.FindAllStringSubmatch(script, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("couldn't find key indices in on-demand script")
	}
	return out, nil
}

// onDemandScriptURL resolves the versioned ondemand.s script URL embedded in
// the page's script manifest.
func onDemandScriptURL(text string) (string, error) {
	parts := strings.Split(text, `e=>e+"."+`)
	if len(parts) < 2 {
		return "", fmt.Errorf("script manifest not found")
	}
	manifest := strings.Split(parts[1], `[e]+"a.js"`)[0]

	var scripts map[string]string
	if err := json.Unmarshal([]byte(manifest), &scripts); err != nil {
		return "", fmt.Errorf("parse script manifest: %w", err)
	}
	for name, version := range scripts {
		if strings.Contains(name, "ondemand.s") {
			return fmt.Sprintf("https://abs.twimg.com/responsive-web/client-web/%s.%sa.js", name, version), nil
		}
	}
	return "", fmt.Errorf("ondemand script not in manifest")
}

// parseAnimFrames reads the loading-animation SVG paths and decodes the
// frame rows of the one selected by the verification key.
func parseAnimFrames(text string, vkBytes []byte) ([][]float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, err
	}

	var paths []string
	doc.Find(`svg[id^='loading-x-anim'] g:first-child path:nth-child(2)`).Each(func(_ int, sel *goquery.Selection) {
		if d, ok := sel.Attr("d"); ok {
			paths = append(paths, strings.TrimSpace(d))
		}
	})
	if len(paths) == 0 {
		return nil, fmt.Errorf("couldn't find loading animation paths")
	}

	idx := int(vkBytes[5]) % len(paths)
	rows := strings.Split(paths[idx][9:], "C")

	out := make([][]float64, 0, len(rows))
	for _, row := range rows {
		fields := strings.Fields(nonDigitRe.ReplaceAllString(row, " "))
		frame := make([]float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("parse animation frame %q: %w", row, err)
			}
			frame = append(frame, v)
		}
		out = append(out, frame)
	}
	return out, nil
}
