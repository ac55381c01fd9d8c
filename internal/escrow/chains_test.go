package escrow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := []byte(`chains:
  sepolia:
    rpc_url: https://rpc.sepolia.org
    chain_id: 11155111
    description: 测试网
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("写入链配置失败: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("加载链配置失败: %v", err)
	}
	chain, ok := defs.Chains["sepolia"]
	if !ok {
		t.Fatal("expected sepolia chain definition")
	}
	if chain.ChainID != 11155111 {
		t.Fatalf("unexpected chain id: %d", chain.ChainID)
	}
	if chain.RPCURL != "https://rpc.sepolia.org" {
		t.Fatalf("unexpected rpc url: %q", chain.RPCURL)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("空路径不应报错: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty chain map, got %v", defs.Chains)
	}
}

func TestLoadChainDefinitionsMissingFile(t *testing.T) {
	if _, err := LoadChainDefinitions(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("缺失的配置文件应当返回错误")
	}
}
