package params

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// Name 参数名（wire 上的 "param" 字段）
type Name string

const (
	Mu    Name = "mu"
	Omega Name = "omega"
	Kappa Name = "kappa"
)

var (
	ErrUnknownParam = errors.New("unknown parameter")
	ErrOutOfRange   = errors.New("parameter out of range")
)

// Bounds 单个参数的取值范围（闭区间）与默认值
type Bounds struct {
	Min     float64
	Max     float64
	Default float64
}

var bounds = map[Name]Bounds{
	Mu:    {Min: 0.5, Max: 0.7, Default: 0.569},
	Omega: {Min: 0.5, Max: 1.5, Default: 0.847},
	Kappa: {Min: 0.01, Max: 0.05, Default: 0.0207},
}

// 固定顺序，批量写入时按此顺序展开
var names = []Name{Kappa, Mu, Omega}

var validate = validator.New()

// Params 三个系数的完整快照
type Params struct {
	Mu    float64 `json:"mu"`
	Omega float64 `json:"omega"`
	Kappa float64 `json:"kappa"`
}

func Default() Params {
	return Params{Mu: bounds[Mu].Default, Omega: bounds[Omega].Default, Kappa: bounds[Kappa].Default}
}

// Names 返回所有参数名（按字典序）
func Names() []Name {
	out := make([]Name, len(names))
	copy(out, names)
	return out
}

func BoundsOf(name Name) (Bounds, bool) {
	b, ok := bounds[name]
	return b, ok
}

func ParseName(s string) (Name, error) {
	n := Name(s)
	if _, ok := bounds[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownParam, s)
	}
	return n, nil
}

// Validate 校验单个参数值；NaN / Inf 一律视为越界
func Validate(name Name, v float64) error {
	b, ok := bounds[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParam, string(name))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s=%v", ErrOutOfRange, name, v)
	}
	tag := fmt.Sprintf("gte=%g,lte=%g", b.Min, b.Max)
	if err := validate.Var(v, tag); err != nil {
		return fmt.Errorf("%w: %s=%v not in [%g, %g]", ErrOutOfRange, name, v, b.Min, b.Max)
	}
	return nil
}

func (p Params) Validate() error {
	for _, n := range names {
		if err := Validate(n, p.Get(n)); err != nil {
			return err
		}
	}
	return nil
}

func (p Params) Get(name Name) float64 {
	switch name {
	case Mu:
		return p.Mu
	case Omega:
		return p.Omega
	case Kappa:
		return p.Kappa
	}
	return math.NaN()
}

// With 返回替换了 name 的新快照；未知参数原样返回
func (p Params) With(name Name, v float64) Params {
	switch name {
	case Mu:
		p.Mu = v
	case Omega:
		p.Omega = v
	case Kappa:
		p.Kappa = v
	}
	return p
}

// Beta 派生值，不参与同步
func (p Params) Beta() float64 {
	return 1 - p.Mu - p.Kappa*10.8
}

// Diff 返回 p 与 other 取值不同的参数名
func (p Params) Diff(other Params) []Name {
	var out []Name
	for _, n := range names {
		if p.Get(n) != other.Get(n) {
			out = append(out, n)
		}
	}
	return out
}
