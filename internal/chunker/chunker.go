// Package chunker 将长文本按章节、段落、句子边界切分为有界大小的块
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunkSize 默认单块最大字节数
const DefaultMaxChunkSize = 8000

// 标题行最大长度，超过视为正文
const maxHeadingLength = 120

// 编号或关键字开头的标题最多包含的词数
const maxHeadingWords = 12

// Chunk 文本块
type Chunk struct {
	Index int
	Text  string
}

// labelledHeading 以关键字或编号开头的标题，terminal 为不允许出现在行尾的标点
type labelledHeading struct {
	re       *regexp.Regexp
	terminal string
}

var (
	// Markdown 标题: # Title
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+\S`)

	labelledHeadings = []labelledHeading{
		// Chapter 3 / PART II / Section 4.2 / Book One
		{regexp.MustCompile(`(?i)^(chapter|part|section|book|unit|lesson)\s+([0-9]+(\.[0-9]+)*|[ivxlcdm]+|one|two|three|four|five|six|seven|eight|nine|ten)\b`), ".!?,;"},
		// 1. Introduction / 2.3 Methods / 4) Results
		{regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{1,3})*[.)]?\s+[A-Z]`), ".!?,;:"},
		// IV. Discussion
		{regexp.MustCompile(`^[IVXLC]{1,7}[.)]\s+[A-Z]`), ".!?,;"},
	}
	paragraphBreak = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]\s+`)
)

// Split 将文本切分为不超过 maxChunkSize 字节的块
// 文本不超过上限时原样返回单块；空白文本不产生任何块
func Split(text string, maxChunkSize int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= maxChunkSize {
		return []string{text}
	}

	preamble, sections := splitByStructure(text)
	if len(sections) < 2 {
		return packParagraphs(text, maxChunkSize)
	}

	var p packer
	p.max = maxChunkSize
	p.sep = "\n\n"
	// 首个标题之前的内容单独成块
	if preamble = strings.TrimSpace(preamble); preamble != "" {
		if len(preamble) <= maxChunkSize {
			p.chunks = append(p.chunks, preamble)
		} else {
			p.chunks = append(p.chunks, packParagraphs(preamble, maxChunkSize)...)
		}
	}

	// 相邻的短章节合并为一块，每块仍从标题开始
	for _, sec := range sections {
		sec = strings.TrimSpace(sec)
		if sec == "" {
			continue
		}
		if len(sec) > maxChunkSize {
			p.flush()
			p.chunks = append(p.chunks, packParagraphs(sec, maxChunkSize)...)
			continue
		}
		p.add(sec)
	}
	p.flush()
	return p.chunks
}

// Chunks 与 Split 相同，但附带块序号
func Chunks(text string, maxChunkSize int) []Chunk {
	parts := Split(text, maxChunkSize)
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Index: i, Text: p}
	}
	return chunks
}

// IsHeading 判断单行是否为章节标题
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > maxHeadingLength {
		return false
	}
	if markdownHeading.MatchString(line) {
		return true
	}
	for _, h := range labelledHeadings {
		loc := h.re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		return !sentenceLike(line, loc[1], h.terminal)
	}
	return false
}

// sentenceLike 判断以编号或关键字开头的行是否为正文句子
// 以标点结尾、词数过多或编号之后出现断句的行都视为正文
func sentenceLike(line string, labelEnd int, terminal string) bool {
	if strings.ContainsAny(line[len(line)-1:], terminal) {
		return true
	}
	if len(strings.Fields(line)) > maxHeadingWords {
		return true
	}
	// "Chapter 1. The Beginning" 编号后的标点不算断句
	rest := strings.TrimLeft(line[labelEnd:], ".:)")
	return sentenceEnd.MatchString(rest)
}

// splitByStructure 按标题行切分，返回首个标题之前的内容和各章节
// 少于两个标题时 sections 为 nil
func splitByStructure(text string) (preamble string, sections []string) {
	var boundaries []int
	offset := 0
	for offset < len(text) {
		end := strings.IndexByte(text[offset:], '\n')
		var line string
		if end < 0 {
			line = text[offset:]
		} else {
			line = text[offset : offset+end]
		}
		if IsHeading(line) {
			boundaries = append(boundaries, offset)
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	if len(boundaries) < 2 {
		return "", nil
	}

	sections = make([]string, 0, len(boundaries))
	for i, start := range boundaries {
		stop := len(text)
		if i+1 < len(boundaries) {
			stop = boundaries[i+1]
		}
		sections = append(sections, text[start:stop])
	}
	return text[:boundaries[0]], sections
}

// packParagraphs 按空行切分段落并贪心装箱，超长段落继续按句子切分
func packParagraphs(text string, maxChunkSize int) []string {
	var p packer
	p.max = maxChunkSize
	p.sep = "\n\n"
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > maxChunkSize {
			p.flush()
			p.chunks = append(p.chunks, packSentences(para, maxChunkSize)...)
			continue
		}
		p.add(para)
	}
	p.flush()
	return p.chunks
}

// packSentences 按句末标点切分并装箱，超长句子按长度硬切
func packSentences(text string, maxChunkSize int) []string {
	var p packer
	p.max = maxChunkSize
	p.sep = " "
	for _, sentence := range splitSentences(text) {
		if len(sentence) > maxChunkSize {
			p.flush()
			p.chunks = append(p.chunks, hardSplit(sentence, maxChunkSize)...)
			continue
		}
		p.add(sentence)
	}
	p.flush()
	return p.chunks
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		// 保留标点，丢弃其后的空白
		if s := strings.TrimSpace(text[start : loc[0]+1]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// hardSplit 优先在空白处切分，不截断多字节字符
func hardSplit(text string, maxChunkSize int) []string {
	var parts []string
	for len(text) > maxChunkSize {
		cut := maxChunkSize
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if ws := strings.LastIndexAny(text[:cut], " \t\n"); ws > maxChunkSize/2 {
			cut = ws
		}
		if cut == 0 {
			// 单个字符超过上限，只能整字符输出
			_, size := utf8.DecodeRuneInString(text)
			cut = size
		}
		if part := strings.TrimSpace(text[:cut]); part != "" {
			parts = append(parts, part)
		}
		text = text[cut:]
	}
	if part := strings.TrimSpace(text); part != "" {
		parts = append(parts, part)
	}
	return parts
}

type packer struct {
	max    int
	sep    string
	buf    strings.Builder
	chunks []string
}

func (p *packer) add(piece string) {
	if p.buf.Len() > 0 && p.buf.Len()+len(p.sep)+len(piece) > p.max {
		p.flush()
	}
	if p.buf.Len() > 0 {
		p.buf.WriteString(p.sep)
	}
	p.buf.WriteString(piece)
}

func (p *packer) flush() {
	if s := strings.TrimSpace(p.buf.String()); s != "" {
		p.chunks = append(p.chunks, s)
	}
	p.buf.Reset()
}
