package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCalculateMD5 tests MD5 hash calculation
func TestCalculateMD5(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name        string
		content     string
		expectedMD5 string
	}{
		{
			name:        "SimpleText",
			content:     "Hello, World!",
			expectedMD5: "65a8e27d8879283831b664bd8b7f0ad4",
		},
		{
			name:        "EmptyFile",
			content:     "",
			expectedMD5: "d41d8cd98f00b204e9800998ecf8427e",
		},
		{
			name:        "LargerContent",
			content:     "The quick brown fox jumps over the lazy dog",
			expectedMD5: "9e107d9d372bb6826bd81d3542a419d6",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filePath := filepath.Join(tmpDir, tt.name+".txt")
			err := os.WriteFile(filePath, []byte(tt.content), 0644)
			require.NoError(t, err)

			md5hash, err := CalculateMD5(filePath)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedMD5, md5hash)
		})
	}
}

// TestCalculateMD5_NonExistentFile tests error handling
func TestCalculateMD5_NonExistentFile(t *testing.T) {
	_, err := CalculateMD5("/nonexistent/file.txt")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open file")
}

// TestGetAllLocalFiles tests recursive file discovery
func TestGetAllLocalFiles(t *testing.T) {
	tmpDir := t.TempDir()

	os.MkdirAll(filepath.Join(tmpDir, "dir1"), 0755)
	os.MkdirAll(filepath.Join(tmpDir, "dir1", "subdir"), 0755)
	os.MkdirAll(filepath.Join(tmpDir, "dir2"), 0755)

	files := []string{
		filepath.Join(tmpDir, "file1.txt"),
		filepath.Join(tmpDir, "dir1", "file2.txt"),
		filepath.Join(tmpDir, "dir1", "subdir", "file3.txt"),
		filepath.Join(tmpDir, "dir2", "file4.txt"),
	}

	for _, file := range files {
		err := os.WriteFile(file, []byte("test content"), 0644)
		require.NoError(t, err)
	}

	discovered, err := GetAllLocalFiles(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, len(files), len(discovered))
	for _, expectedFile := range files {
		assert.Contains(t, discovered, expectedFile)
	}
}

// TestGetAllLocalFiles_NonExistentDir tests error handling
func TestGetAllLocalFiles_NonExistentDir(t *testing.T) {
	_, err := GetAllLocalFiles("/nonexistent/directory")
	assert.Error(t, err)
}

// TestGetAllLocalFiles_EmptyDir tests empty directory handling
func TestGetAllLocalFiles_EmptyDir(t *testing.T) {
	tmpDir := t.TempDir()

	files, err := GetAllLocalFiles(tmpDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

// TestSharedHTTPClient tests the shared HTTP client configuration
func TestSharedHTTPClient(t *testing.T) {
	assert.NotNil(t, sharedHTTPClient)
	assert.NotNil(t, sharedHTTPClient.Transport)
	assert.Greater(t, sharedHTTPClient.Timeout.Seconds(), float64(0))
}

// TestS3AwsListObjects tests listing objects with a mock client, including
// the prefix filter S3AwsListObjects passes through to ListObjectsV2.
func TestS3AwsListObjects(t *testing.T) {
	mockClient := NewMockS3Client()
	mockClient.Objects["tenant-1/raw/crm/contacts/2026-07-30/a.parquet"] = &MockS3Object{Size: 100}
	mockClient.Objects["tenant-1/raw/crm/contacts/2026-07-31/b.parquet"] = &MockS3Object{Size: 200}
	mockClient.Objects["tenant-1/raw/crm/deals/2026-07-31/c.parquet"] = &MockS3Object{Size: 300}

	ctx := context.Background()
	objects, err := S3AwsListObjects(ctx, mockClient, "test-bucket", "tenant-1/raw/crm/contacts/")
	require.NoError(t, err)

	assert.Len(t, objects, 2)
	assert.True(t, mockClient.ListObjectsV2Called)
}

// TestS3AwsListObjects_Empty tests the no-matching-keys case.
func TestS3AwsListObjects_Empty(t *testing.T) {
	mockClient := NewMockS3Client()

	ctx := context.Background()
	objects, err := S3AwsListObjects(ctx, mockClient, "test-bucket", "tenant-1/raw/crm/contacts/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

// BenchmarkCalculateMD5 benchmarks MD5 calculation
func BenchmarkCalculateMD5(b *testing.B) {
	tmpDir := b.TempDir()
	filePath := filepath.Join(tmpDir, "benchmark.txt")

	content := make([]byte, 1024*1024)
	for i := range content {
		content[i] = byte(i % 256)
	}
	os.WriteFile(filePath, content, 0644)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = CalculateMD5(filePath)
	}
}

// BenchmarkGetAllLocalFiles benchmarks file discovery
func BenchmarkGetAllLocalFiles(b *testing.B) {
	tmpDir := b.TempDir()

	for i := 0; i < 10; i++ {
		dir := filepath.Join(tmpDir, "dir"+string(rune('0'+i)))
		os.MkdirAll(dir, 0755)
		for j := 0; j < 10; j++ {
			file := filepath.Join(dir, "file"+string(rune('0'+j))+".txt")
			os.WriteFile(file, []byte("test"), 0644)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = GetAllLocalFiles(tmpDir)
	}
}
