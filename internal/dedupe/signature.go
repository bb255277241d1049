// Package dedupe detects reposted listings inside one source. Signals in
// descending reliability: seller phone, first-image perceptual hash, title
// trigram similarity, description embedding. The oldest listing is always
// the canonical one.
package dedupe

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/normalize"
)

const minhashSize = 64

// SignatureBuilder computes the per-listing similarity signals. Image
// download failures degrade the signature rather than failing the listing.
type SignatureBuilder struct {
	client *http.Client
	embed  Embedder
}

// Embedder produces a dense vector for a description text. Optional; a nil
// embedder leaves the embedding signal empty.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

func NewSignatureBuilder(client *http.Client, embed Embedder) *SignatureBuilder {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &SignatureBuilder{client: client, embed: embed}
}

// Build computes the full signature for a listing. firstImageURL may be
// empty.
func (b *SignatureBuilder) Build(ctx context.Context, l model.NormalizedListing, firstImageURL string) model.DedupeSignature {
	titleNorm := normalize.CleanText(l.Title)
	sig := model.DedupeSignature{
		ListingID:    l.ID,
		TitleNorm:    titleNorm,
		TitleMinhash: minhashBytes(trigrams(titleNorm)),
		DescMinhash:  minhashBytes(trigrams(normalize.CleanText(l.Description))),
	}

	if firstImageURL != "" {
		if h, err := b.hashImage(ctx, firstImageURL); err == nil {
			sig.FirstImagePHash = &h
		} else {
			log.Debug().Str("listing_id", l.ID.String()).Err(err).Msg("image hash unavailable")
		}
	}

	if b.embed != nil && l.Description != "" {
		if vec, err := b.embed.Embed(ctx, l.Description); err == nil {
			sig.Embedding = vec
		} else {
			log.Debug().Str("listing_id", l.ID.String()).Err(err).Msg("embedding unavailable")
		}
	}
	return sig
}

// hashImage downloads the image and computes a 64-bit difference hash over
// a 9x8 grayscale downsample.
func (b *SignatureBuilder) hashImage(ctx context.Context, url string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, model.Transient("download image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("image fetch status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return DHash(img), nil
}

// DHash is a 64-bit difference hash: each bit compares neighboring pixels
// of a 9x8 grayscale reduction.
func DHash(img image.Image) uint64 {
	const w, h = 9, 8
	gray := downsampleGray(img, w, h)

	var hash uint64
	bit := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w-1; x++ {
			if gray[y][x] > gray[y][x+1] {
				hash |= 1 << uint(63-bit)
			}
			bit++
		}
	}
	return hash
}

func downsampleGray(img image.Image, w, h int) [][]float64 {
	bounds := img.Bounds()
	out := make([][]float64, h)
	for y := 0; y < h; y++ {
		out[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			// Average the source block mapped to this cell.
			x0 := bounds.Min.X + x*bounds.Dx()/w
			x1 := bounds.Min.X + (x+1)*bounds.Dx()/w
			y0 := bounds.Min.Y + y*bounds.Dy()/h
			y1 := bounds.Min.Y + (y+1)*bounds.Dy()/h
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}
			var sum float64
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					g := color.GrayModel.Convert(img.At(sx, sy)).(color.Gray)
					sum += float64(g.Y)
				}
			}
			out[y][x] = sum / float64((x1-x0)*(y1-y0))
		}
	}
	return out
}

// HammingDistance counts differing bits between two 64-bit hashes.
func HammingDistance(a, b uint64) int {
	x := a ^ b
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

func trigrams(text string) map[string]bool {
	out := make(map[string]bool)
	runes := []rune(strings.ReplaceAll(text, " ", "_"))
	if len(runes) < 3 {
		if len(runes) > 0 {
			out[string(runes)] = true
		}
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}

// TrigramSimilarity is the Jaccard coefficient over character trigrams of
// the two normalized texts.
func TrigramSimilarity(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// minhashBytes produces a fixed-width minhash sketch of the trigram set.
// Each slot keeps the minimum of a distinct seeded FNV hash over all
// trigrams.
func minhashBytes(grams map[string]bool) []byte {
	sketch := make([]uint64, minhashSize)
	for i := range sketch {
		sketch[i] = ^uint64(0)
	}
	keys := make([]string, 0, len(grams))
	for g := range grams {
		keys = append(keys, g)
	}
	sort.Strings(keys)
	for _, g := range keys {
		for i := 0; i < minhashSize; i++ {
			h := fnv.New64a()
			fmt.Fprintf(h, "%d:%s", i, g)
			if v := h.Sum64(); v < sketch[i] {
				sketch[i] = v
			}
		}
	}
	out := make([]byte, 8*minhashSize)
	for i, v := range sketch {
		binary.BigEndian.PutUint64(out[i*8:], v)
	}
	return out
}

// MinhashSimilarity estimates Jaccard similarity from two sketches.
func MinhashSimilarity(a, b []byte) float64 {
	if len(a) != 8*minhashSize || len(b) != 8*minhashSize {
		return 0
	}
	match := 0
	for i := 0; i < minhashSize; i++ {
		if binary.BigEndian.Uint64(a[i*8:]) == binary.BigEndian.Uint64(b[i*8:]) {
			match++
		}
	}
	return float64(match) / float64(minhashSize)
}

// CosineSimilarity over two embedding vectors. Zero when dimensions differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
