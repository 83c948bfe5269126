package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFilePublisher(t *testing.T) {
	dir := t.TempDir()
	p := &FilePublisher{Dir: filepath.Join(dir, "out")}

	path, err := p.PublishDiagram(context.Background(), "payments-vpc", `resource "aws_vpc" "main" {}`)
	if err != nil {
		t.Fatalf("PublishDiagram() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	if string(data) != `resource "aws_vpc" "main" {}` {
		t.Errorf("published content = %q", data)
	}
}

func TestFilePublisherFlattensName(t *testing.T) {
	p := &FilePublisher{Dir: t.TempDir()}
	path, err := p.PublishDiagram(context.Background(), "../escape", "x")
	if err != nil {
		t.Fatalf("PublishDiagram() error = %v", err)
	}
	if filepath.Dir(path) != p.Dir {
		t.Errorf("published outside dir: %q", path)
	}
}
