// File: internal/a11y/a11y.go

// Package a11y holds the pure observation-encoding helpers: screenshot
// base64 encoding and accessibility-tree linearization/trimming. They carry
// no state and no logging so both the agent and its tests can call them
// freely.
package a11y

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
)

// tableHeader names the columns of the linearized tree. The prompt templates
// reference these names verbatim, so the two must stay in sync.
const tableHeader = "tag\tname\ttext\tclass\tdescription\tposition (top-left x&y)\tsize (w&h)"

// charsPerToken approximates the tokenizer's density for the tabular tree
// text. Good enough for a budget cap; exact token accounting lives with the
// provider.
const charsPerToken = 4

// EncodeScreenshot returns the base64 encoding of raw screenshot bytes.
func EncodeScreenshot(screenshot []byte) string {
	return base64.StdEncoding.EncodeToString(screenshot)
}

// ScreenshotDataURI wraps an already base64-encoded screenshot in the
// data-URI form the model API expects for image parts.
func ScreenshotDataURI(encoded string) string {
	return "data:image/png;base64," + encoded
}

// Linearize flattens an accessibility tree into a tab-separated table, one
// row per node in depth-first order, with a fixed header row. Nodes with no
// name, text, or description are skipped: they are structural containers the
// model cannot act on, and dropping them is the main lever keeping tree text
// inside the token budget. The platform parameter is part of the encoder
// contract; flattening is currently identical across platforms.
func Linearize(root *schemas.AccessibilityNode, platform string) string {
	if root == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(tableHeader)
	writeNode(&b, root)
	return b.String()
}

func writeNode(b *strings.Builder, node *schemas.AccessibilityNode) {
	if node.Name != "" || node.Text != "" || node.Description != "" {
		b.WriteByte('\n')
		b.WriteString(sanitizeCell(node.Tag))
		b.WriteByte('\t')
		b.WriteString(sanitizeCell(node.Name))
		b.WriteByte('\t')
		b.WriteString(sanitizeCell(node.Text))
		b.WriteByte('\t')
		b.WriteString(sanitizeCell(node.Class))
		b.WriteByte('\t')
		b.WriteString(sanitizeCell(node.Description))
		b.WriteByte('\t')
		b.WriteString(formatPosition(node.Position))
		b.WriteByte('\t')
		b.WriteString(formatSize(node.Size))
	}
	for i := range node.Children {
		writeNode(b, &node.Children[i])
	}
}

// sanitizeCell keeps cell text from breaking the table shape.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// formatPosition renders the "x,y" position cell the prompt teaches the
// model to parse.
func formatPosition(pos []int) string {
	if len(pos) < 2 {
		return ""
	}
	return fmt.Sprintf("%d,%d", pos[0], pos[1])
}

func formatSize(size []int) string {
	if len(size) < 2 {
		return ""
	}
	return fmt.Sprintf("%dx%d", size[0], size[1])
}

// Trim caps the linearized tree text at maxTokens, dropping whole trailing
// rows. The header row is always kept so the model can still orient itself
// in a truncated table.
func Trim(treeText string, maxTokens int) string {
	if treeText == "" || maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * charsPerToken
	if len(treeText) <= maxChars {
		return treeText
	}

	lines := strings.Split(treeText, "\n")
	var b strings.Builder
	b.WriteString(lines[0])
	for _, line := range lines[1:] {
		// +1 for the joining newline.
		if b.Len()+1+len(line) > maxChars {
			break
		}
		b.WriteByte('\n')
		b.WriteString(line)
	}
	return b.String()
}
