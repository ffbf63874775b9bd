// Package overlay はフレームとロゴの合成フィルタグラフを組み立てる
package overlay

import (
	"fmt"
	"strings"
)

// Anchor はロゴの配置位置
type Anchor string

const (
	TopLeft      Anchor = "top-left"
	TopCenter    Anchor = "top-center"
	TopRight     Anchor = "top-right"
	CenterLeft   Anchor = "center-left"
	Center       Anchor = "center"
	CenterRight  Anchor = "center-right"
	BottomLeft   Anchor = "bottom-left"
	BottomCenter Anchor = "bottom-center"
	BottomRight  Anchor = "bottom-right"
)

// 既定のロゴ幅と余白（ピクセル）
const (
	DefaultLogoWidth = 260
	DefaultPadding   = 30
)

// ParseAnchor は位置名を解釈する。不明な値は中央
func ParseAnchor(s string) Anchor {
	switch a := Anchor(strings.ToLower(strings.TrimSpace(s))); a {
	case TopLeft, TopCenter, TopRight, CenterLeft, CenterRight, BottomLeft, BottomCenter, BottomRight:
		return a
	}
	return Center
}

// Position はoverlayフィルタのx:y式を返す
// W/H は背景、w/h はロゴの寸法
func (a Anchor) Position(pad int) string {
	left := fmt.Sprintf("%d", pad)
	hcenter := "(W-w)/2"
	right := fmt.Sprintf("W-w-%d", pad)
	top := fmt.Sprintf("%d", pad)
	vcenter := "(H-h)/2"
	bottom := fmt.Sprintf("H-h-%d", pad)

	switch a {
	case TopLeft:
		return left + ":" + top
	case TopCenter:
		return hcenter + ":" + top
	case TopRight:
		return right + ":" + top
	case CenterLeft:
		return left + ":" + vcenter
	case CenterRight:
		return right + ":" + vcenter
	case BottomLeft:
		return left + ":" + bottom
	case BottomCenter:
		return hcenter + ":" + bottom
	case BottomRight:
		return right + ":" + bottom
	default:
		return hcenter + ":" + vcenter
	}
}

// Spec は合成に使うローカルファイルと配置
type Spec struct {
	FramePath  string
	LogoPath   string
	LogoAnchor Anchor
	LogoWidth  int
	Padding    int
}

// Empty は合成が不要かを返す
func (s Spec) Empty() bool {
	return s.FramePath == "" && s.LogoPath == ""
}

// InputArgs はソース入力の後ろに追加する入力引数を返す
// フレームが入力1、ロゴがその次になる
func (s Spec) InputArgs() []string {
	var args []string
	if s.FramePath != "" {
		args = append(args, "-i", s.FramePath)
	}
	if s.LogoPath != "" {
		args = append(args, "-i", s.LogoPath)
	}
	return args
}

// OutputLabel はフィルタグラフの出力ラベル
const OutputLabel = "[out]"

// FilterGraph は-filter_complexの値を返す。合成不要なら空文字
// フレームはソースの解像度に合わせて先に重ね、ロゴはその上に重ねる
func (s Spec) FilterGraph() string {
	logoWidth := s.LogoWidth
	if logoWidth <= 0 {
		logoWidth = DefaultLogoWidth
	}
	pad := s.Padding
	if pad <= 0 {
		pad = DefaultPadding
	}
	pos := ParseAnchor(string(s.LogoAnchor)).Position(pad)

	switch {
	case s.FramePath != "" && s.LogoPath != "":
		return fmt.Sprintf(
			"[1:v][0:v]scale2ref=w=iw:h=ih[frame][base];[base][frame]overlay=0:0:format=auto[tmp];"+
				"[2:v]scale=%d:-1[logo];[tmp][logo]overlay=%s:format=auto%s",
			logoWidth, pos, OutputLabel)
	case s.FramePath != "":
		return "[1:v][0:v]scale2ref=w=iw:h=ih[frame][base];[base][frame]overlay=0:0:format=auto" + OutputLabel
	case s.LogoPath != "":
		return fmt.Sprintf("[1:v]scale=%d:-1[logo];[0:v][logo]overlay=%s:format=auto%s", logoWidth, pos, OutputLabel)
	}
	return ""
}

// FilterArgs は合成用の-filter_complexと-map引数を返す。合成不要ならnil
func (s Spec) FilterArgs() []string {
	graph := s.FilterGraph()
	if graph == "" {
		return nil
	}
	return []string{"-filter_complex", graph, "-map", OutputLabel}
}
