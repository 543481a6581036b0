package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	forwardPattern     = regexp.MustCompile(`tcp:\d+ tcp:\d+`)
	displayPattern     = regexp.MustCompile(`activeMode:\s*(\d+)x(\d+),\s*refreshrate=\d+`)
	screenStatePattern = regexp.MustCompile(`Current State:\s*(\w+)`)
	wlanPattern        = regexp.MustCompile(`inet addr:(\d+\.\d+\.\d+\.\d+)`)
	missionPattern     = regexp.MustCompile(`Mission ID #[\s\S]*?isKeepAlive: false\s*}`)
	bundlePattern      = regexp.MustCompile(`bundle name \[(.*?)\]`)
	abilityPattern     = regexp.MustCompile(`main name \[(.*?)\]`)
)

// Param reads a system parameter such as const.product.model.
func (o Ops) Param(ctx context.Context, name string) (string, error) {
	result, err := o.ShellArgs(ctx, "param", "get", name)
	if err != nil {
		return "", err
	}
	return result.FirstLine(), nil
}

// Info is a snapshot of device properties.
type Info struct {
	Serial      string `json:"serial"`
	Model       string `json:"model"`
	Brand       string `json:"brand"`
	ProductName string `json:"product_name"`
	SDKVersion  string `json:"sdk_version"`
	SysVersion  string `json:"sys_version"`
	CPUABI      string `json:"cpu_abi"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Info collects device properties with one shell call per field.
func (o Ops) Info(ctx context.Context) (Info, error) {
	info := Info{Serial: o.Serial()}
	fields := []struct {
		param string
		dst   *string
	}{
		{"const.product.model", &info.Model},
		{"const.product.brand", &info.Brand},
		{"const.product.name", &info.ProductName},
		{"const.ohos.apiversion", &info.SDKVersion},
		{"const.product.software.version", &info.SysVersion},
		{"const.product.cpu.abilist", &info.CPUABI},
	}
	for _, f := range fields {
		v, err := o.Param(ctx, f.param)
		if err != nil {
			return info, err
		}
		*f.dst = v
	}
	w, h, err := o.DisplaySize(ctx)
	if err != nil {
		return info, err
	}
	info.Width, info.Height = w, h
	return info, nil
}

func (o Ops) CPUABI(ctx context.Context) (string, error) {
	return o.Param(ctx, "const.product.cpu.abilist")
}

// DisplaySize parses the active display mode from hidumper. It returns 0, 0
// when the mode cannot be found.
func (o Ops) DisplaySize(ctx context.Context) (int, int, error) {
	result, err := o.ShellArgs(ctx, "hidumper", "-s", "RenderService", "-a", "screen")
	if err != nil {
		return 0, 0, err
	}
	m := displayPattern.FindStringSubmatch(result.Output)
	if m == nil {
		return 0, 0, nil
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return w, h, nil
}

// ScreenState returns e.g. "AWAKE", "INACTIVE" or "SLEEP"; empty if unknown.
func (o Ops) ScreenState(ctx context.Context) (string, error) {
	result, err := o.ShellArgs(ctx, "hidumper", "-s", "PowerManagerService", "-a", "-s")
	if err != nil {
		return "", err
	}
	if m := screenStatePattern.FindStringSubmatch(result.Output); m != nil {
		return m[1], nil
	}
	return "", nil
}

// WlanIP returns the first non-loopback IPv4 address.
func (o Ops) WlanIP(ctx context.Context) (string, error) {
	result, err := o.Shell(ctx, "ifconfig")
	if err != nil {
		return "", err
	}
	for _, m := range wlanPattern.FindAllStringSubmatch(result.Output, -1) {
		if !strings.HasPrefix(m[1], "127.") {
			return m[1], nil
		}
	}
	return "", nil
}

func (o Ops) WakeUp(ctx context.Context) error {
	_, err := o.ShellArgs(ctx, "power-shell", "wakeup")
	return err
}

func (o Ops) SendKey(ctx context.Context, code KeyCode) error {
	if code < 0 || code > MaxKeyCode {
		return fmt.Errorf("bridge: invalid key code %d", code)
	}
	_, err := o.ShellArgs(ctx, "uitest", "uiInput", "keyEvent", strconv.Itoa(int(code)))
	return err
}

func (o Ops) Tap(ctx context.Context, x, y int) error {
	_, err := o.ShellArgs(ctx, "uitest", "uiInput", "click", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (o Ops) Swipe(ctx context.Context, x1, y1, x2, y2, speed int) error {
	_, err := o.ShellArgs(ctx, "uitest", "uiInput", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(speed))
	return err
}

func (o Ops) InputText(ctx context.Context, x, y int, text string) error {
	_, err := o.ShellArgs(ctx, "uitest", "uiInput", "inputText", strconv.Itoa(x), strconv.Itoa(y), text)
	return err
}

func (o Ops) StartApp(ctx context.Context, bundle, ability string) error {
	_, err := o.ShellArgs(ctx, "aa", "start", "-a", ability, "-b", bundle)
	return err
}

func (o Ops) StopApp(ctx context.Context, bundle string) error {
	_, err := o.ShellArgs(ctx, "aa", "force-stop", bundle)
	return err
}

// ClearApp removes the bundle's cache and data.
func (o Ops) ClearApp(ctx context.Context, bundle string) error {
	if _, err := o.ShellArgs(ctx, "bm", "clean", "-n", bundle, "-c"); err != nil {
		return err
	}
	_, err := o.ShellArgs(ctx, "bm", "clean", "-n", bundle, "-d")
	return err
}

// ListApps returns installed bundle names.
func (o Ops) ListApps(ctx context.Context) ([]string, error) {
	result, err := o.ShellArgs(ctx, "bm", "dump", "-a")
	if err != nil {
		return nil, err
	}
	var apps []string
	for _, line := range strings.Split(result.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			apps = append(apps, line)
		}
	}
	return apps, nil
}

// CurrentApp returns the bundle and ability of the foreground mission.
func (o Ops) CurrentApp(ctx context.Context) (bundle, ability string, err error) {
	result, err := o.ShellArgs(ctx, "aa", "dump", "-l")
	if err != nil {
		return "", "", err
	}
	for _, block := range missionPattern.FindAllString(result.Output, -1) {
		if !strings.Contains(block, "state #FOREGROUND") {
			continue
		}
		b := bundlePattern.FindStringSubmatch(block)
		a := abilityPattern.FindStringSubmatch(block)
		if b != nil && a != nil {
			return b[1], a[1], nil
		}
	}
	return "", "", nil
}

// Screenshot captures the display into localPath as JPEG.
func (o Ops) Screenshot(ctx context.Context, localPath string) error {
	tmp := fmt.Sprintf("/data/local/tmp/_tmp_%s.jpeg", strings.ReplaceAll(uuid.NewString(), "-", ""))
	if _, err := o.ShellArgs(ctx, "snapshot_display", "-f", tmp); err != nil {
		return err
	}
	defer o.ShellArgs(context.WithoutCancel(ctx), "rm", "-rf", tmp)
	return o.RecvFile(ctx, tmp, localPath)
}

// DumpLayout dumps the UI hierarchy with uitest. The agent's captureLayout
// is faster; this works without the agent running.
func (o Ops) DumpLayout(ctx context.Context) (map[string]any, error) {
	remote := fmt.Sprintf("/data/local/tmp/%s_tmp.json", o.Serial())
	if _, err := o.ShellArgs(ctx, "uitest", "dumpLayout", "-p", remote); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "hmdriver-layout-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "layout.json")
	if err := o.RecvFile(ctx, remote, local); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, err
	}
	var layout map[string]any
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("bridge: parse layout: %w", err)
	}
	return layout, nil
}
