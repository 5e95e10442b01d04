package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// paragraph 生成约 n 字节、以句号结尾的段落
func paragraph(seed string, n int) string {
	var sb strings.Builder
	for i := 0; sb.Len() < n; i++ {
		sb.WriteString(fmt.Sprintf("%s sentence number %d carries some content. ", seed, i))
	}
	return strings.TrimSpace(sb.String())
}

func assertNoGap(t *testing.T, text string, chunks []string) {
	t.Helper()
	assert.Equal(t, stripSpace(text), stripSpace(strings.Join(chunks, "")), "块拼接后应覆盖全部非空白字符")
}

func assertBounded(t *testing.T, chunks []string, max int) {
	t.Helper()
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), max, "块 %d 超出上限", i)
		assert.NotEmpty(t, strings.TrimSpace(c), "块 %d 不应为空", i)
	}
}

func TestSplit_SingleChunkIsIdentity(t *testing.T) {
	text := "  A short document.\n\nWith two paragraphs.  "
	assert.Equal(t, []string{text}, Split(text, 8000))

	// 500 字符文本在默认上限下为单块
	text = strings.Repeat("x", 500)
	assert.Equal(t, []string{text}, Split(text, 8000))
}

func TestSplit_EmptyInput(t *testing.T) {
	assert.Nil(t, Split("", 100))
	assert.Nil(t, Split(" \n\n\t ", 100))
}

func TestSplit_DefaultMaxChunkSize(t *testing.T) {
	text := strings.Repeat("y", DefaultMaxChunkSize)
	assert.Equal(t, []string{text}, Split(text, 0))
}

func TestSplit_MarkdownChapters(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 3; i++ {
		sb.WriteString(fmt.Sprintf("# Chapter %d\n\n", i))
		for j := 0; j < 8; j++ {
			sb.WriteString(paragraph(fmt.Sprintf("c%dp%d", i, j), 2000))
			sb.WriteString("\n\n")
		}
	}
	text := sb.String()
	require.Greater(t, len(text), 45000)

	chunks := Split(text, 20000)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.True(t, strings.HasPrefix(c, fmt.Sprintf("# Chapter %d", i+1)), "块 %d 应从章节标题开始", i)
	}
	assertNoGap(t, text, chunks)
	assertBounded(t, chunks, 20000)

	// 章节超出上限时按段落继续切分，每个标题仍位于某块开头
	chunks = Split(text, 8000)
	assert.Greater(t, len(chunks), 3)
	assertNoGap(t, text, chunks)
	assertBounded(t, chunks, 8000)
	for i := 1; i <= 3; i++ {
		heading := fmt.Sprintf("# Chapter %d", i)
		found := false
		for _, c := range chunks {
			if strings.HasPrefix(c, heading) {
				found = true
			}
		}
		assert.True(t, found, "标题 %q 应位于某块开头", heading)
	}
}

func TestSplit_PreambleKept(t *testing.T) {
	text := "Preface text that precedes everything.\n\n" +
		"CHAPTER I\n\n" + paragraph("a", 300) + "\n\n" +
		"CHAPTER II\n\n" + paragraph("b", 300) + "\n"
	chunks := Split(text, 400)
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, "Preface text that precedes everything.", chunks[0])
	assertNoGap(t, text, chunks)
}

func TestSplit_ParagraphPacking(t *testing.T) {
	paras := make([]string, 10)
	for i := range paras {
		paras[i] = paragraph(fmt.Sprintf("p%d", i), 300)
	}
	text := strings.Join(paras, "\n\n")

	chunks := Split(text, 1000)
	assert.Greater(t, len(chunks), 1)
	assertBounded(t, chunks, 1000)
	assertNoGap(t, text, chunks)
	// 段落不被拆开
	for _, c := range chunks {
		for _, piece := range strings.Split(c, "\n\n") {
			assert.Contains(t, paras, piece)
		}
	}
}

func TestSplit_SentenceSplitForHugeParagraph(t *testing.T) {
	text := paragraph("long", 5000)
	chunks := Split(text, 600)
	assert.Greater(t, len(chunks), 5)
	assertBounded(t, chunks, 600)
	assertNoGap(t, text, chunks)
	for _, c := range chunks {
		assert.True(t, strings.HasSuffix(c, "."), "句子边界切分应以句号结尾: %q", c)
	}
}

func TestSplit_HardSplitWithoutPunctuation(t *testing.T) {
	text := strings.Repeat("字", 1000) // 3000 字节，无标点无空白
	chunks := Split(text, 512)
	assertBounded(t, chunks, 512)
	assertNoGap(t, text, chunks)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "字"))
	}
}

func TestSplit_DropsWhitespaceSegments(t *testing.T) {
	text := "## One\n\n   \n\n\n\n" + paragraph("x", 200) + "\n\n## Two\n\n\t\n\n" + paragraph("y", 200)
	chunks := Split(text, 250)
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
	assertNoGap(t, text, chunks)
}

func TestChunks_Indexes(t *testing.T) {
	text := paragraph("a", 500) + "\n\n" + paragraph("b", 500)
	chunks := Chunks(text, 600)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestIsHeading(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"# Introduction", true},
		{"### 2.1 Setup", true},
		{"Chapter 3", true},
		{"CHAPTER IV: The Storm", true},
		{"Part Two", true},
		{"Section 4.2 Results", true},
		{"1. Introduction", true},
		{"2.3 Experimental Setup", true},
		{"IV. Discussion", true},
		{"1. Install the package first.", false},
		{"#hashtag", false},
		{"Chapters are useful in long books.", false},
		{"The results in section 4 show", false},
		{"Chapter 1. The Beginning", true},
		{"Section 2 shows the measured values in detail. It has two sentences.", false},
		{"Chapter 1 paragraph 0 explains an idea in some detail. It has two sentences.", false},
		{"Section 3 shows the values. Then it continues", false},
		{"Part 2 " + strings.Repeat("word ", 12), false},
		{"", false},
		{"1. " + strings.Repeat("Very long heading ", 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHeading(tt.line))
		})
	}
}

func TestSplit_NoGapProperty(t *testing.T) {
	inputs := []string{
		paragraph("a", 3000),
		"# A\n" + paragraph("a", 900) + "\n# B\n" + paragraph("b", 900) + "\n# C\n" + paragraph("c", 900),
		strings.Repeat("word ", 2000),
		strings.Repeat("Line without end\n", 300),
		"1. Introduction\n\n" + paragraph("i", 700) + "\n\n2. Methods\n\n" + strings.Repeat("m", 1500),
	}
	for i, text := range inputs {
		for _, max := range []int{100, 257, 1000} {
			chunks := Split(text, max)
			require.NotEmpty(t, chunks, "输入 %d", i)
			assertBounded(t, chunks, max)
			assertNoGap(t, text, chunks)
		}
	}
}

func TestSplit_ProseLinesAreNotHeadings(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# Results\n\n")
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&sb, "Section %d shows the measured values in detail. It has two sentences.\n\n", i)
	}
	sb.WriteString("# Discussion\n\n")
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&sb, "Chapter %d paragraph 0 explains an idea in some detail. It has two sentences.\n\n", i)
	}
	text := sb.String()
	require.Greater(t, len(text), 40000)

	chunks := Split(text, 8000)
	assert.LessOrEqual(t, len(chunks), 8, "正文行不应切出大量小块")
	assertBounded(t, chunks, 8000)
	assertNoGap(t, text, chunks)
	assert.True(t, strings.HasPrefix(chunks[0], "# Results"))

	found := false
	for _, c := range chunks {
		if strings.HasPrefix(c, "# Discussion") {
			found = true
		}
	}
	assert.True(t, found, "标题应位于某块开头")
}

func TestSplit_MergesShortSections(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&sb, "## Step %d\n\n%s\n\n", i, paragraph(fmt.Sprintf("s%d", i), 300))
	}
	text := sb.String()

	chunks := Split(text, 2000)
	assert.Less(t, len(chunks), 20, "相邻短章节应合并")
	assertBounded(t, chunks, 2000)
	assertNoGap(t, text, chunks)
	for i, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "## Step "), "块 %d 应从标题开始", i)
	}
}

func TestSplit_PreambleNotMergedIntoSection(t *testing.T) {
	preface := paragraph("p", 200)
	text := preface + "\n\n# One\n\n" + paragraph("a", 120) + "\n\n# Two\n\n" + paragraph("b", 120)
	require.Greater(t, len(text), 400)

	chunks := Split(text, 400)
	require.Len(t, chunks, 2)
	assert.Equal(t, preface, chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "# One"))
	assert.Contains(t, chunks[1], "# Two")
}
