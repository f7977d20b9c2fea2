// Package prompt embeds protected artifacts in markdown documents, such as
// generated agent prompts, and extracts them again.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/ericfisherdev/credseal/internal/domain/model"
)

// InfoString is the fenced code block language that marks an embedded
// artifact.
const InfoString = "credseal-artifact"

var mdParser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// RenderBlock returns artifact as indented JSON inside a fenced code block
// tagged with InfoString. The fence is longer than any backtick run in the
// JSON so agency names cannot close it early.
func RenderBlock(artifact *model.ProtectedArtifact) (string, error) {
	if artifact == nil {
		return "", errors.New("render artifact block: nil artifact")
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render artifact block: %w", err)
	}

	fence := strings.Repeat("`", max(3, longestRun(data, '`')+1))

	var b strings.Builder
	b.Grow(len(data) + 2*len(fence) + len(InfoString) + 3)
	b.WriteString(fence)
	b.WriteString(InfoString)
	b.WriteByte('\n')
	b.Write(data)
	b.WriteByte('\n')
	b.WriteString(fence)
	b.WriteByte('\n')
	return b.String(), nil
}

// ExtractArtifact parses markdown and decodes the first fenced code block
// tagged with InfoString. It fails with MalformedRecord if there is no such
// block or its contents are not a valid artifact.
func ExtractArtifact(markdown []byte) (*model.ProtectedArtifact, error) {
	body, ok := findBlock(markdown)
	if !ok {
		return nil, model.Fail(model.KindMalformedRecord, "extract artifact", fmt.Errorf("no %s block found", InfoString))
	}
	return model.ParseProtectedArtifact(body)
}

// findBlock walks the document AST and returns the raw contents of the
// first artifact block.
func findBlock(source []byte) ([]byte, bool) {
	doc := mdParser.Parse(text.NewReader(source))

	var (
		body  []byte
		found bool
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok || string(block.Language(source)) != InfoString {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		body = buf.Bytes()
		found = true
		return ast.WalkStop, nil
	})
	return body, found
}

func longestRun(data []byte, c byte) int {
	longest, current := 0, 0
	for _, b := range data {
		if b != c {
			current = 0
			continue
		}
		current++
		longest = max(longest, current)
	}
	return longest
}
