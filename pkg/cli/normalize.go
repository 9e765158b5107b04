package cli

import (
	"regexp"
	"strings"
)

// escState 转义序列解析状态
type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escNF
	escString
	escStringEsc
)

// Normalizer 流式输出规范化器
// 去除转义/控制序列，统一换行为 \n，并应用退格。
// 分块喂入与整体喂入结果一致：跨块的不完整转义序列、CR 状态都保存在内部。
type Normalizer struct {
	out    []rune
	state  escState
	lastCR bool
	// floor 最近一次 SetFloor 以来缓冲区到达过的最短长度
	floor int
}

// Feed 追加一段原始文本
func (n *Normalizer) Feed(chunk string) {
	for _, r := range chunk {
		n.feedRune(r)
	}
}

func (n *Normalizer) feedRune(r rune) {
	switch n.state {
	case escStart:
		switch {
		case r == '[':
			n.state = escCSI
		case r == ']' || r == 'P' || r == 'X' || r == '^' || r == '_':
			n.state = escString
		case r >= 0x20 && r <= 0x2f:
			n.state = escNF
		default:
			// 两字节序列（Fe/Fp/Fs）到此结束
			n.state = escNone
		}
		return
	case escCSI:
		switch {
		case r >= 0x40 && r <= 0x7e:
			n.state = escNone
		case r >= 0x20 && r <= 0x3f:
		default:
			// 非法字节：丢弃整个序列
			n.state = escNone
		}
		return
	case escNF:
		if r < 0x20 || r > 0x2f {
			n.state = escNone
		}
		return
	case escString:
		switch r {
		case 0x07:
			n.state = escNone
		case 0x1b:
			n.state = escStringEsc
		}
		return
	case escStringEsc:
		if r == '\\' {
			n.state = escNone
		} else {
			n.state = escString
		}
		return
	}

	switch {
	case r == '\n':
		if n.lastCR {
			n.lastCR = false
			return
		}
		n.out = append(n.out, '\n')
	case r == '\r':
		n.out = append(n.out, '\n')
		n.lastCR = true
		return
	case r == '\b':
		if len(n.out) > 0 {
			n.out = n.out[:len(n.out)-1]
			if len(n.out) < n.floor {
				n.floor = len(n.out)
			}
		}
	case r == '\t':
		n.out = append(n.out, r)
	case r == 0x1b:
		n.state = escStart
	case r == 0x9b:
		n.state = escCSI
	case r == 0x9d || r == 0x90:
		n.state = escString
	case r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f):
		// 其余 C0/C1 控制字符、DEL 直接丢弃
	default:
		n.out = append(n.out, r)
	}
	n.lastCR = false
}

// String 返回当前规范化文本
func (n *Normalizer) String() string {
	return string(n.out)
}

// Len 已缓冲的字符数
func (n *Normalizer) Len() int {
	return len(n.out)
}

// Since 返回从 offset 起的文本；退格使缓冲区变短时按当前长度截断
func (n *Normalizer) Since(offset int) string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(n.out) {
		return ""
	}
	return string(n.out[offset:])
}

// Discard 丢弃前 count 个字符，返回实际丢弃数量
func (n *Normalizer) Discard(count int) int {
	if count <= 0 {
		return 0
	}
	if count > len(n.out) {
		count = len(n.out)
	}
	n.out = append(n.out[:0], n.out[count:]...)
	n.floor -= count
	if n.floor < 0 {
		n.floor = 0
	}
	return count
}

// SetFloor 设置低水位起点
func (n *Normalizer) SetFloor(offset int) {
	if offset > len(n.out) {
		offset = len(n.out)
	}
	n.floor = offset
}

// Floor 低水位：退格擦除到的最靠前位置，之后的内容都是新写入的
func (n *Normalizer) Floor() int {
	return n.floor
}

// Reset 清空缓冲与解析状态
func (n *Normalizer) Reset() {
	n.out = n.out[:0]
	n.state = escNone
	n.lastCR = false
	n.floor = 0
}

// Normalize 一次性规范化整段文本
func Normalize(s string) string {
	var n Normalizer
	n.Feed(s)
	return n.String()
}

var blankRunRe = regexp.MustCompile(`\n{4,}`)

// CleanOutput 报告展示用：规范化后压缩连续空行
func CleanOutput(s string) string {
	return blankRunRe.ReplaceAllString(Normalize(s), "\n\n\n")
}

// trimBlankLines 去除首尾空行，保留行内缩进
func trimBlankLines(s string) string {
	s = strings.TrimRight(s, " \t\n")
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 || strings.TrimSpace(s[:i]) != "" {
			return s
		}
		s = s[i+1:]
	}
}
