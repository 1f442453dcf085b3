package search

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/samber/oops"
)

// StrategyTLSHandshakes is the built-in strategy serving TLS handshake
// fingerprint pages.
const StrategyTLSHandshakes = "tls_handshakes"

// Aggregation envelope for the fingerprint query. The field names are the
// backend's contract; the fixtures in handshakes_test.go mirror it.
type fingerprintAggregations struct {
	Count cardinalityAgg `json:"count"`
	SHA1  termsAgg       `json:"sha1"`
}

type cardinalityAgg struct {
	Value int `json:"value"`
}

type termsAgg struct {
	Buckets []fingerprintBucket `json:"buckets"`
}

type fingerprintBucket struct {
	Key      string     `json:"key"`
	DocCount int        `json:"doc_count"`
	Subjects keyBuckets `json:"subjects"`
	Issuers  keyBuckets `json:"issuers"`
	JA3      keyBuckets `json:"ja3"`
	NotAfter keyBuckets `json:"not_after"`
}

type keyBuckets struct {
	Buckets []bucketKey `json:"buckets"`
}

// bucketKey tolerates both plain string keys and numeric date keys that
// arrive with a rendered key_as_string alongside.
type bucketKey struct {
	Key         any    `json:"key"`
	KeyAsString string `json:"key_as_string"`
}

func (b bucketKey) value() string {
	if b.KeyAsString != "" {
		return b.KeyAsString
	}
	switch v := b.Key.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}

func (k keyBuckets) values() []string {
	out := make([]string, 0, len(k.Buckets))
	for _, b := range k.Buckets {
		out = append(out, b.value())
	}
	return out
}

// mapFingerprintAggregations turns the backend's fingerprint buckets into
// the edge page the endpoint returns. The backend is asked for every bucket
// up to QuerySize; the page is the CursorStart..QuerySize window of them.
func mapFingerprintAggregations(raw json.RawMessage, p Pagination) ([]Edge, PageInfo, error) {
	if len(raw) == 0 {
		return []Edge{}, pageInfoFor(0, p), nil
	}

	var aggs fingerprintAggregations
	if err := json.Unmarshal(raw, &aggs); err != nil {
		return nil, PageInfo{}, oops.
			Code("SEARCH_DECODE_FAILED").
			In("search").
			Wrapf(err, "decoding fingerprint aggregations")
	}

	edges := make([]Edge, 0, len(aggs.SHA1.Buckets))
	for _, bucket := range aggs.SHA1.Buckets {
		edges = append(edges, Edge{
			Node: Node{
				ID:       bucket.Key,
				Subjects: bucket.Subjects.values(),
				Issuers:  bucket.Issuers.values(),
				JA3:      bucket.JA3.values(),
				NotAfter: bucket.NotAfter.values(),
			},
			Cursor: Cursor{Value: bucket.Key},
		})
	}

	start, end := pageBounds(len(edges), p)
	return edges[start:end], pageInfoFor(aggs.Count.Value, p), nil
}

// pageInfoFor advertises at most five pages of results, growing the cap once
// the pager moves past page four. The true cardinality only shows through
// ShowMorePagesIndicator.
func pageInfoFor(total int, p Pagination) PageInfo {
	limit := p.QuerySize - p.CursorStart
	if limit < 0 {
		limit = 0
	}
	fakePossible := limit * 5
	if p.ActivePage >= 4 {
		fakePossible = limit * (p.ActivePage + 2)
	}
	fakeTotal := fakePossible
	if total < fakeTotal {
		fakeTotal = total
	}
	return PageInfo{
		ActivePage:             p.ActivePage,
		FakeTotalCount:         fakeTotal,
		ShowMorePagesIndicator: total > fakeTotal,
	}
}

func pageBounds(n int, p Pagination) (start, end int) {
	start = p.CursorStart
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end = p.QuerySize
	if end < start {
		end = start
	}
	if end > n {
		end = n
	}
	return start, end
}
