package action

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// paperSizes maps paper formats to width and height in inches.
var paperSizes = map[string][2]float64{
	"A4":      {8.27, 11.69},
	"A3":      {11.69, 16.54},
	"Letter":  {8.5, 11},
	"Legal":   {8.5, 14},
	"Tabloid": {11, 17},
}

// run dispatches a validated action to its page strategy. The page action
// lock is already held; ctx carries the effective timeout.
func (e *Executor) run(ctx context.Context, ref *pages.PageRef, a *Action) (interface{}, error) {
	p := ref.Page.Context(ctx)

	switch a.Type {
	case TypeNavigate:
		return e.runNavigate(p, ref, a)
	case TypeClick:
		return e.runClick(p, a)
	case TypeType:
		return e.runType(p, a)
	case TypeWait:
		return e.runWait(ctx, p, a)
	case TypeEvaluate:
		return e.runEvaluate(p, a)
	case TypeScreenshot:
		return e.runScreenshot(p, a)
	case TypeScroll:
		return e.runScroll(p, a)
	case TypeSelect:
		return e.runSelect(p, a)
	case TypeKeyboard:
		return e.runKeyboard(p, a)
	case TypeMouse:
		return e.runMouse(p, a)
	case TypePDF:
		return e.runPDF(p, a)
	case TypeCookie:
		return e.runCookie(p, a)
	case TypeContent:
		return e.runContent(p)
	default:
		// TypeClose never reaches the strategy layer.
		return nil, invalid("action_type_unknown", "unknown action type "+string(a.Type))
	}
}

func lifecycleFor(waitUntil string) proto.PageLifecycleEventName {
	switch waitUntil {
	case "domcontentloaded":
		return proto.PageLifecycleEventNameDOMContentLoaded
	case "networkidle0":
		return proto.PageLifecycleEventNameNetworkIdle
	case "networkidle2":
		return proto.PageLifecycleEventNameNetworkAlmostIdle
	default:
		return proto.PageLifecycleEventNameLoad
	}
}

func (e *Executor) runNavigate(p *rod.Page, ref *pages.PageRef, a *Action) (interface{}, error) {
	// The lifecycle waiter must be armed before navigation starts.
	wait := p.WaitNavigation(lifecycleFor(a.WaitUntil))
	if err := p.Navigate(a.URL); err != nil {
		return nil, fmt.Errorf("navigating to page: %w", err)
	}
	wait()

	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("reading page info: %w", err)
	}
	ref.Touch(info.URL)
	return map[string]interface{}{
		"url":   info.URL,
		"title": info.Title,
	}, nil
}

func (e *Executor) runClick(p *rod.Page, a *Action) (interface{}, error) {
	if err := e.validator.ValidateSelector(a.Selector); err != nil {
		return nil, err
	}
	el, err := p.Element(a.Selector)
	if err != nil {
		return nil, fmt.Errorf("finding element: %w", err)
	}
	if err := el.ScrollIntoView(); err != nil {
		return nil, fmt.Errorf("scrolling element into view: %w", err)
	}
	count := a.ClickCount
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		if i > 0 && a.DelayMs > 0 {
			time.Sleep(time.Duration(a.DelayMs) * time.Millisecond)
		}
		if err := el.Click(buttonFor(a.Button), 1); err != nil {
			return nil, fmt.Errorf("clicking element: %w", err)
		}
	}
	return map[string]interface{}{"clicked": a.Selector, "count": count}, nil
}

func (e *Executor) runType(p *rod.Page, a *Action) (interface{}, error) {
	if err := e.validator.ValidateSelector(a.Selector); err != nil {
		return nil, err
	}
	el, err := p.Element(a.Selector)
	if err != nil {
		return nil, fmt.Errorf("finding element: %w", err)
	}
	if err := el.Focus(); err != nil {
		return nil, fmt.Errorf("focusing element: %w", err)
	}
	if a.ClearFirst {
		if err := el.SelectAllText(); err != nil {
			return nil, fmt.Errorf("selecting text: %w", err)
		}
	}
	if a.DelayMs > 0 {
		for _, r := range a.Text {
			if err := el.Input(string(r)); err != nil {
				return nil, fmt.Errorf("typing text: %w", err)
			}
			time.Sleep(time.Duration(a.DelayMs) * time.Millisecond)
		}
	} else if err := el.Input(a.Text); err != nil {
		return nil, fmt.Errorf("typing text: %w", err)
	}
	return map[string]interface{}{"typed": len(a.Text)}, nil
}

func (e *Executor) runWait(ctx context.Context, p *rod.Page, a *Action) (interface{}, error) {
	switch a.WaitType {
	case "selector":
		if err := e.validator.ValidateSelector(a.Selector); err != nil {
			return nil, err
		}
		if _, err := p.Element(a.Selector); err != nil {
			return nil, fmt.Errorf("waiting for selector: %w", err)
		}
		return map[string]interface{}{"found": a.Selector}, nil
	case "navigation":
		if err := p.WaitLoad(); err != nil {
			return nil, fmt.Errorf("waiting for load: %w", err)
		}
		return map[string]interface{}{"loaded": true}, nil
	default:
		select {
		case <-time.After(time.Duration(a.DurationMs) * time.Millisecond):
			return map[string]interface{}{"waited": a.DurationMs}, nil
		case <-ctx.Done():
			return nil, types.WrapError(types.KindTimeout, "action_timeout", ctx.Err())
		}
	}
}

func (e *Executor) runEvaluate(p *rod.Page, a *Action) (interface{}, error) {
	if err := e.validator.ValidateScript(a.Function); err != nil {
		return nil, err
	}
	args, err := e.validator.ValidateArgs(a.Args)
	if err != nil {
		return nil, err
	}

	res, err := p.Eval(a.Function, args...)
	if err != nil {
		return nil, fmt.Errorf("evaluating script: %w", err)
	}
	return evalResult(res.Value), nil
}

// evalResult unwraps a CDP remote value into plain Go data. Undefined
// results come back as nil rather than the gson zero value.
func evalResult(v gson.JSON) interface{} {
	if v.Nil() {
		return nil
	}
	return v.Val()
}

func (e *Executor) runScreenshot(p *rod.Page, a *Action) (interface{}, error) {
	req := &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	}
	if a.Format == "jpeg" || a.Format == "webp" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if a.Format == "webp" {
			req.Format = proto.PageCaptureScreenshotFormatWebp
		}
		quality := a.Quality
		if quality == 0 {
			quality = 80
		}
		req.Quality = &quality
	}

	data, err := p.Screenshot(a.FullPage, req)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return map[string]interface{}{
		"format": string(req.Format),
		"size":   len(data),
		"data":   base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (e *Executor) runScroll(p *rod.Page, a *Action) (interface{}, error) {
	if a.Direction == "" {
		if err := e.validator.ValidateSelector(a.Selector); err != nil {
			return nil, err
		}
		el, err := p.Element(a.Selector)
		if err != nil {
			return nil, fmt.Errorf("finding element: %w", err)
		}
		if err := el.ScrollIntoView(); err != nil {
			return nil, fmt.Errorf("scrolling element into view: %w", err)
		}
		return map[string]interface{}{"scrolled": a.Selector}, nil
	}

	distance := a.Distance
	if distance == 0 {
		distance = 100
	}
	var dx, dy float64
	switch a.Direction {
	case "up":
		dy = -distance
	case "down":
		dy = distance
	case "left":
		dx = -distance
	case "right":
		dx = distance
	}
	if a.Smooth {
		// Spread the scroll over small steps so smooth behavior holds even
		// on pages that suppress CSS smooth scrolling.
		if err := p.Mouse.Scroll(dx, dy, 10); err != nil {
			return nil, fmt.Errorf("scrolling by direction: %w", err)
		}
	} else if err := p.Mouse.Scroll(dx, dy, 1); err != nil {
		return nil, fmt.Errorf("scrolling by direction: %w", err)
	}
	return map[string]interface{}{"scrolled": a.Direction, "distance": distance}, nil
}

func (e *Executor) runSelect(p *rod.Page, a *Action) (interface{}, error) {
	if err := e.validator.ValidateSelector(a.Selector); err != nil {
		return nil, err
	}
	el, err := p.Element(a.Selector)
	if err != nil {
		return nil, fmt.Errorf("finding element: %w", err)
	}
	if err := el.Select(a.Values, true, rod.SelectorTypeText); err != nil {
		return nil, fmt.Errorf("selecting options: %w", err)
	}
	return map[string]interface{}{"selected": a.Values}, nil
}

// namedKeys maps key names to their input keys. Single characters pass
// through directly.
var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Space":      input.Space,
}

func (e *Executor) runKeyboard(p *rod.Page, a *Action) (interface{}, error) {
	key, ok := namedKeys[a.Key]
	if !ok {
		runes := []rune(a.Key)
		if len(runes) != 1 {
			return nil, invalid("action_key_invalid", "unknown key "+a.Key)
		}
		key = input.Key(runes[0])
	}
	if err := p.Keyboard.Type(key); err != nil {
		return nil, fmt.Errorf("pressing key: %w", err)
	}
	return map[string]interface{}{"pressed": a.Key}, nil
}

func buttonFor(name string) proto.InputMouseButton {
	switch name {
	case "middle":
		return proto.InputMouseButtonMiddle
	case "right":
		return proto.InputMouseButtonRight
	default:
		return proto.InputMouseButtonLeft
	}
}

func (e *Executor) runMouse(p *rod.Page, a *Action) (interface{}, error) {
	m := p.Mouse
	switch a.MouseAction {
	case "move":
		if err := m.MoveTo(proto.NewPoint(a.X, a.Y)); err != nil {
			return nil, fmt.Errorf("moving mouse: %w", err)
		}
	case "click":
		if err := m.MoveTo(proto.NewPoint(a.X, a.Y)); err != nil {
			return nil, fmt.Errorf("moving mouse: %w", err)
		}
		if err := m.Click(buttonFor(a.Button), 1); err != nil {
			return nil, fmt.Errorf("clicking mouse: %w", err)
		}
	case "down":
		if err := m.Down(buttonFor(a.Button), 1); err != nil {
			return nil, fmt.Errorf("pressing mouse button: %w", err)
		}
	case "up":
		if err := m.Up(buttonFor(a.Button), 1); err != nil {
			return nil, fmt.Errorf("releasing mouse button: %w", err)
		}
	case "wheel":
		if err := m.Scroll(a.DX, a.DY, 1); err != nil {
			return nil, fmt.Errorf("scrolling wheel: %w", err)
		}
	}
	return map[string]interface{}{"mouse": a.MouseAction}, nil
}

func (e *Executor) runPDF(p *rod.Page, a *Action) (interface{}, error) {
	req := &proto.PagePrintToPDF{
		Landscape:       a.Landscape,
		PrintBackground: a.PrintBackground,
	}
	if size, ok := paperSizes[a.PaperFormat]; ok {
		w, h := size[0], size[1]
		req.PaperWidth = &w
		req.PaperHeight = &h
	}

	r, err := p.PDF(req)
	if err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading pdf stream: %w", err)
	}
	return map[string]interface{}{
		"size": len(data),
		"data": base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (e *Executor) runCookie(p *rod.Page, a *Action) (interface{}, error) {
	switch a.Operation {
	case "get":
		cookies, err := p.Cookies(nil)
		if err != nil {
			return nil, fmt.Errorf("reading cookies: %w", err)
		}
		out := make([]Cookie, 0, len(cookies))
		for _, c := range cookies {
			out = append(out, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  float64(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return map[string]interface{}{"cookies": out}, nil

	case "set":
		params := make([]*proto.NetworkCookieParam, 0, len(a.Cookies))
		for _, c := range a.Cookies {
			param := &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			}
			if c.Expires > 0 {
				param.Expires = proto.TimeSinceEpoch(c.Expires)
			}
			if c.SameSite != "" {
				param.SameSite = proto.NetworkCookieSameSite(c.SameSite)
			}
			params = append(params, param)
		}
		if err := p.SetCookies(params); err != nil {
			return nil, fmt.Errorf("setting cookies: %w", err)
		}
		return map[string]interface{}{"set": len(params)}, nil

	case "delete":
		targets := make([]proto.NetworkDeleteCookies, 0, len(a.Cookies)+len(a.Names))
		for _, c := range a.Cookies {
			targets = append(targets, proto.NetworkDeleteCookies{
				Name:   c.Name,
				Domain: c.Domain,
				Path:   c.Path,
			})
		}
		for _, name := range a.Names {
			targets = append(targets, proto.NetworkDeleteCookies{Name: name})
		}
		for _, t := range targets {
			if err := t.Call(p); err != nil {
				return nil, fmt.Errorf("deleting cookie: %w", err)
			}
		}
		return map[string]interface{}{"deleted": len(targets)}, nil

	default: // clear
		if err := (proto.NetworkClearBrowserCookies{}).Call(p); err != nil {
			return nil, fmt.Errorf("clearing cookies: %w", err)
		}
		return map[string]interface{}{"cleared": true}, nil
	}
}

func (e *Executor) runContent(p *rod.Page) (interface{}, error) {
	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("reading page html: %w", err)
	}
	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("reading page info: %w", err)
	}
	return map[string]interface{}{
		"html":  html,
		"url":   info.URL,
		"title": info.Title,
	}, nil
}
