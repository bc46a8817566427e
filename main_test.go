package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("ZIMVIEW_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsMode(t *testing.T) {
	opts, err := parseCLIFlags([]string{"-mode", "serviceworker", "-article", "A/Cat"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.mode != "serviceworker" || !opts.oneShot() {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"-mode", "iframe"}); err == nil {
		t.Fatalf("未知模式应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "zimview") {
		t.Fatalf("version 输出应包含 zimview 标识")
	}
}

func TestRunArticleDirect(t *testing.T) {
	configPath := readerFixture(t)
	useBufferWriters(t)

	code := run(cliOptions{configPath: configPath, article: "A/Cat"})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "<p>Cats purr.</p>") {
		t.Fatalf("rendered article missing: %s", stdOutBuffer().String())
	}
}

func TestRunArticleIntercepted(t *testing.T) {
	configPath := readerFixture(t)
	useBufferWriters(t)

	code := run(cliOptions{configPath: configPath, article: "A/Cat", mode: "intercepted"})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "Cats purr.") {
		t.Fatalf("worker 应返回文章内容: %s", stdOutBuffer().String())
	}
}

func TestRunArticleMissing(t *testing.T) {
	configPath := readerFixture(t)
	useBufferWriters(t)

	if code := run(cliOptions{configPath: configPath, article: "A/Dog"}); code == 0 {
		t.Fatalf("缺失条目应返回非零退出码")
	}
}

func TestRunSearch(t *testing.T) {
	configPath := readerFixture(t)
	useBufferWriters(t)

	code := run(cliOptions{configPath: configPath, search: "Ca"})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}
	out := stdOutBuffer().String()
	if !strings.Contains(out, "1 articles found.") || !strings.Contains(out, "A/Cat\tCat") {
		t.Fatalf("unexpected search output: %s", out)
	}
}

// readerFixture 在临时目录中构建一个解包归档与对应配置。
func readerFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wiki := filepath.Join(dir, "archives", "wiki")
	files := map[string]string{
		"A/Cat":       `<html><head><title>Cat</title></head><body><p>Cats purr.</p></body></html>`,
		"-/style.css": "body { color: black; }",
		"mainpage":    "A/Cat",
	}
	for name, content := range files {
		target := filepath.Join(wiki, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			t.Fatalf("创建目录失败: %v", err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			t.Fatalf("写入归档失败: %v", err)
		}
	}

	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "warn"
StoragePath = "%s"
PrefsPath = "%s"
ArchivePath = "%s"
ListenPort = 5000

[Reader]
ContentMode = "direct"
HandshakeTimeout = "2s"
ContentTimeout = "2s"
`, filepath.Join(dir, "storage"), filepath.Join(dir, "prefs.json"), filepath.Join(dir, "archives")))
}
