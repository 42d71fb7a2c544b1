package router

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"were": true, "will": true, "with": true, "please": true, "me": true,
	"my": true, "we": true, "our": true, "you": true, "your": true,
}

// tokenize lowercases text and splits it on anything that is not a letter or
// digit, dropping stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// term is one non-zero dimension of a sparse vector.
type term struct {
	id     int
	weight float64
}

// vector is a sparse TF-IDF vector sorted by term id, so dot products sum in
// a fixed order and scores are bit-for-bit repeatable.
type vector []term

func (v vector) norm() float64 {
	var sum float64
	for _, t := range v {
		sum += t.weight * t.weight
	}
	return math.Sqrt(sum)
}

func cosine(a, b vector) float64 {
	na, nb := a.norm(), b.norm()
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].id == b[j].id:
			dot += a[i].weight * b[j].weight
			i++
			j++
		case a[i].id < b[j].id:
			i++
		default:
			j++
		}
	}
	return dot / (na * nb)
}

// tfidfModel is trained once over a fixed corpus and is read-only afterwards.
type tfidfModel struct {
	vocabulary map[string]int
	idf        []float64
}

func trainTFIDF(documents []string) *tfidfModel {
	m := &tfidfModel{vocabulary: map[string]int{}}
	docFreq := map[string]int{}
	for _, doc := range documents {
		seen := map[string]bool{}
		for _, tok := range tokenize(doc) {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}
	// Term ids follow lexical order so the model is independent of the
	// order documents were indexed in.
	terms := make([]string, 0, len(docFreq))
	for tok := range docFreq {
		terms = append(terms, tok)
	}
	sort.Strings(terms)
	m.idf = make([]float64, len(terms))
	n := float64(len(documents))
	for i, tok := range terms {
		m.vocabulary[tok] = i
		// Smoothed idf keeps terms present in every document above zero
		m.idf[i] = math.Log((1+n)/(1+float64(docFreq[tok]))) + 1
	}
	return m
}

// vectorize returns the TF-IDF vector of text. Unknown terms are ignored.
func (m *tfidfModel) vectorize(text string) vector {
	counts := map[int]int{}
	maxFreq := 0
	for _, tok := range tokenize(text) {
		id, ok := m.vocabulary[tok]
		if !ok {
			continue
		}
		counts[id]++
		if counts[id] > maxFreq {
			maxFreq = counts[id]
		}
	}
	v := make(vector, 0, len(counts))
	for id, freq := range counts {
		tf := float64(freq) / float64(maxFreq)
		v = append(v, term{id: id, weight: tf * m.idf[id]})
	}
	sort.Slice(v, func(i, j int) bool { return v[i].id < v[j].id })
	return v
}

// document is one indexed descriptor.
type document struct {
	id     string
	vector vector
}

// match is a scored search hit.
type match struct {
	id    string
	score float64
}

// index is an immutable similarity index over descriptors.
type index struct {
	model *tfidfModel
	docs  []document
}

func newIndex(ids, texts []string) *index {
	model := trainTFIDF(texts)
	docs := make([]document, len(ids))
	for i := range ids {
		docs[i] = document{id: ids[i], vector: model.vectorize(texts[i])}
	}
	return &index{model: model, docs: docs}
}

// search scores every document against query and returns the best n,
// highest score first and ties broken by id. n <= 0 returns all documents.
func (ix *index) search(query string, n int, keep func(id string) bool) []match {
	q := ix.model.vectorize(query)
	matches := make([]match, 0, len(ix.docs))
	for _, d := range ix.docs {
		if keep != nil && !keep(d.id) {
			continue
		}
		matches = append(matches, match{id: d.id, score: cosine(q, d.vector)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].id < matches[j].id
	})
	if n > 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches
}
