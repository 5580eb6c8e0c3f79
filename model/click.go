package model

import "fmt"

// Click 一次用户点击，Positive 为 true 表示正点击
type Click struct {
	X        int  `json:"x"`
	Y        int  `json:"y"`
	Positive bool `json:"positive"`
	Order    int  `json:"order"`
}

func (c Click) String() string {
	p := "-"
	if c.Positive {
		p = "+"
	}
	return fmt.Sprintf("%s(%d,%d)#%d", p, c.X, c.Y, c.Order)
}

// ClickSequence 有序点击序列，Order 严格递增，长度受 Max 限制（0 表示不限）
type ClickSequence struct {
	Clicks []Click `json:"clicks"`
	Max    int     `json:"max,omitempty"`
}

func NewClickSequence(maxClicks int) ClickSequence {
	return ClickSequence{Max: maxClicks}
}

func (s *ClickSequence) Len() int {
	return len(s.Clicks)
}

// NextOrder 下一次点击应使用的序号
func (s *ClickSequence) NextOrder() int {
	if len(s.Clicks) == 0 {
		return 0
	}
	return s.Clicks[len(s.Clicks)-1].Order + 1
}

// Append 追加点击，序号必须严格递增
func (s *ClickSequence) Append(c Click) error {
	if s.Max > 0 && len(s.Clicks) >= s.Max {
		return ErrClickLimit
	}
	if len(s.Clicks) > 0 && c.Order <= s.Clicks[len(s.Clicks)-1].Order {
		return fmt.Errorf("click order %d not after %d: %w", c.Order, s.Clicks[len(s.Clicks)-1].Order, ErrClickOrder)
	}
	s.Clicks = append(s.Clicks, c)
	return nil
}

// Add 以下一个序号追加点击
func (s *ClickSequence) Add(x, y int, positive bool) (Click, error) {
	c := Click{X: x, Y: y, Positive: positive, Order: s.NextOrder()}
	if err := s.Append(c); err != nil {
		return Click{}, err
	}
	return c, nil
}

// Pop 移除最后一次点击
func (s *ClickSequence) Pop() (Click, bool) {
	if len(s.Clicks) == 0 {
		return Click{}, false
	}
	last := s.Clicks[len(s.Clicks)-1]
	s.Clicks = s.Clicks[:len(s.Clicks)-1]
	return last, true
}

func (s *ClickSequence) Contains(x, y int) bool {
	for _, c := range s.Clicks {
		if c.X == x && c.Y == y {
			return true
		}
	}
	return false
}

// Clone 深拷贝，快照不受后续修改影响
func (s ClickSequence) Clone() ClickSequence {
	out := ClickSequence{Max: s.Max}
	if len(s.Clicks) > 0 {
		out.Clicks = make([]Click, len(s.Clicks))
		copy(out.Clicks, s.Clicks)
	}
	return out
}
