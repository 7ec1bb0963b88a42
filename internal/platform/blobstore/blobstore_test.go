package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestDescriptor_Validate(t *testing.T) {
	base := Descriptor{FileName: "letter.pdf", ContentType: "application/pdf", Size: 1024, StorageKey: "uploads/letter.pdf"}

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
		want   error
	}{
		{"valid", func(d *Descriptor) {}, nil},
		{"content type with params", func(d *Descriptor) { d.ContentType = "Text/Plain; charset=utf-8" }, nil},
		{"missing name", func(d *Descriptor) { d.FileName = " " }, ErrMissingFileName},
		{"missing key", func(d *Descriptor) { d.StorageKey = "" }, ErrMissingStorageKey},
		{"bad type", func(d *Descriptor) { d.ContentType = "application/x-msdownload" }, ErrInvalidContentType},
		{"empty", func(d *Descriptor) { d.Size = 0 }, ErrEmptyFile},
		{"too large", func(d *Descriptor) { d.Size = 21 << 20 }, ErrFileTooLarge},
		{"long name", func(d *Descriptor) { d.FileName = strings.Repeat("a", MaxFileNameLen) + ".pdf" }, ErrNameTooLong},
		{"long key", func(d *Descriptor) { d.StorageKey = "uploads/" + strings.Repeat("k", MaxStorageKeyLen) }, ErrNameTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.mutate(&d)
			err := d.Validate(20 << 20)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("k1", "text/plain", []byte("hello referral"))

	info, err := store.Stat(ctx, "k1")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != 14 || info.ContentType != "text/plain" {
		t.Errorf("unexpected info %+v", info)
	}

	data, err := store.Get(ctx, "k1", 100)
	if err != nil || string(data) != "hello referral" {
		t.Errorf("get: %q, %v", data, err)
	}
	if _, err := store.Get(ctx, "k1", 4); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := store.Get(ctx, "missing", 100); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), ContentType: aws.String("application/pdf")}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	store := NewS3Store(&fakeS3{objects: map[string][]byte{"a.pdf": []byte("%PDF-1.7 body")}}, "referrals")

	data, err := store.Get(ctx, "a.pdf", 1024)
	if err != nil || string(data) != "%PDF-1.7 body" {
		t.Fatalf("get: %q, %v", data, err)
	}
	if _, err := store.Get(ctx, "a.pdf", 3); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge without content length, got %v", err)
	}
	if _, err := store.Get(ctx, "nope", 1024); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}

	info, err := store.Stat(ctx, "a.pdf")
	if err != nil || info.Size != 13 {
		t.Errorf("stat: %+v, %v", info, err)
	}
	if _, err := store.Stat(ctx, "nope"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}
