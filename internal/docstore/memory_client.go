package docstore

import (
	"context"
	"strconv"
	"sync"
)

type memoryDocument struct {
	content  []byte
	revision int64
}

// MemoryClient is a map-backed client with a revision-counter version
// token. It backs the memory:// DSN and the package tests.
type MemoryClient struct {
	mu   sync.Mutex
	docs map[string]memoryDocument
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{docs: map[string]memoryDocument{}}
}

func (c *MemoryClient) Get(ctx context.Context, path string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[path]
	if !ok {
		return Document{}, nil
	}
	content := append([]byte(nil), doc.content...)
	return Document{Content: content, VersionToken: strconv.FormatInt(doc.revision, 10)}, nil
}

func (c *MemoryClient) Put(ctx context.Context, path string, content []byte, versionToken, message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, exists := c.docs[path]
	currentToken := ""
	if exists {
		currentToken = strconv.FormatInt(current.revision, 10)
	}
	if versionToken != currentToken {
		return versionToken, &ConflictError{Path: path, StaleToken: versionToken, CurrentToken: currentToken}
	}
	next := memoryDocument{content: append([]byte(nil), content...), revision: current.revision + 1}
	c.docs[path] = next
	return strconv.FormatInt(next.revision, 10), nil
}
