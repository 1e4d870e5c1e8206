package static

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
)

// evaluate runs src in a new runtime. The caller holds s.mu. Scripts see a
// read-mostly document: querySelector, querySelectorAll, title, body text and
// location. Assigning value on a returned element updates the document.
func (s *Session) evaluate(ctx context.Context, src string) (any, error) {
	vm := goja.New()

	if err := s.bind(vm); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	v, err := vm.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("script: %w", err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

func (s *Session) bind(vm *goja.Runtime) error {
	doc := vm.NewObject()
	if err := doc.Set("title", strings.TrimSpace(s.doc.Find("title").First().Text())); err != nil {
		return err
	}
	if err := doc.Set("body", s.element(vm, s.doc.Find("body").First())); err != nil {
		return err
	}
	if err := doc.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		sel := s.query(vm, call)
		if sel.Length() == 0 {
			return goja.Null()
		}
		return s.element(vm, sel.First())
	}); err != nil {
		return err
	}
	if err := doc.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		var els []any
		s.query(vm, call).Each(func(_ int, sel *goquery.Selection) {
			els = append(els, s.element(vm, sel))
		})
		return vm.NewArray(els...)
	}); err != nil {
		return err
	}

	loc := vm.NewObject()
	for k, v := range map[string]string{
		"href":     s.current.String(),
		"host":     s.current.Host,
		"hostname": s.current.Hostname(),
		"pathname": s.current.Path,
		"search":   searchPart(s.current.RawQuery),
		"protocol": s.current.Scheme + ":",
	} {
		if err := loc.Set(k, v); err != nil {
			return err
		}
	}
	if err := doc.Set("location", loc); err != nil {
		return err
	}

	for k, v := range map[string]any{"document": doc, "location": loc, "window": vm.GlobalObject()} {
		if err := vm.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) query(vm *goja.Runtime, call goja.FunctionCall) *goquery.Selection {
	selector := call.Argument(0).String()
	if selector == "" {
		panic(vm.NewTypeError("selector is required"))
	}
	return s.doc.Find(selector)
}

// element exposes the subset of the DOM element API that workflow scripts
// use for reading state.
func (s *Session) element(vm *goja.Runtime, sel *goquery.Selection) goja.Value {
	if sel.Length() == 0 {
		return goja.Null()
	}
	obj := vm.NewObject()
	_ = obj.Set("tagName", strings.ToUpper(goquery.NodeName(sel)))
	_ = obj.Set("id", sel.AttrOr("id", ""))
	_ = obj.Set("className", sel.AttrOr("class", ""))
	_ = obj.Set("textContent", sel.Text())
	_ = obj.Set("innerText", strings.TrimSpace(sel.Text()))
	_ = obj.Set("checked", hasAttr(sel, "checked"))
	_ = obj.DefineAccessorProperty("value",
		vm.ToValue(func(goja.FunctionCall) goja.Value {
			if goquery.NodeName(sel) == "textarea" {
				return vm.ToValue(sel.Text())
			}
			return vm.ToValue(sel.AttrOr("value", ""))
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			v := call.Argument(0).String()
			if goquery.NodeName(sel) == "textarea" {
				sel.SetText(v)
			} else {
				sel.SetAttr("value", v)
			}
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := sel.Attr(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(hasAttr(sel, call.Argument(0).String()))
	})
	return obj
}

func hasAttr(sel *goquery.Selection, name string) bool {
	_, ok := sel.Attr(name)
	return ok
}

func searchPart(raw string) string {
	if raw == "" {
		return ""
	}
	return "?" + raw
}
