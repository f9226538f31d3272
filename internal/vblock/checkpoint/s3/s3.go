// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 stores checkpoint images in an S3 bucket. Any S3 compatible
// endpoint works, objects are addressed in path style.
package s3

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/net/http2"
)

const (
	// Dial, TLS handshake and response header timeout.
	timeout = 5 * time.Second
	// Images are written once per metadata change, one idle connection
	// is enough.
	idleConns = 1
)

// Options to use in New() function.
type Options struct {
	// Empty for the AWS endpoint.
	Remote string

	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Mirror implements checkpoint.Store on top of one bucket.
type Mirror struct {
	client *s3.S3
	bucket string
}

// New connects to the endpoint and creates the bucket when it is missing.
func New(o Options) (*Mirror, error) {
	httpClient, err := newHTTPClient()
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	m := &Mirror{client: s3.New(sess), bucket: o.Bucket}
	if err := m.ensureBucket(); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", o.Bucket, err)
	}

	return m, nil
}

// Plain transport with http2 enabled for https endpoints.
func newHTTPClient() (*http.Client, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          idleConns,
		MaxIdleConnsPerHost:   idleConns,
		IdleConnTimeout:       90 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{Transport: tr}, nil
}

func (m *Mirror) ensureBucket() error {
	bucket := &s3.HeadBucketInput{Bucket: aws.String(m.bucket)}
	if _, err := m.client.HeadBucket(bucket); err == nil {
		return nil
	}

	if _, err := m.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(m.bucket)}); err != nil {
		return err
	}

	return m.client.WaitUntilBucketExists(bucket)
}

// Upload stores buf as object key in one request.
func (m *Mirror) Upload(key string, buf []byte) error {
	_, err := m.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf),
	})

	return err
}

// GetObjectSize returns the content length of object key.
func (m *Mirror) GetObjectSize(key string) (int64, error) {
	head, err := m.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, err
	}

	return aws.Int64Value(head.ContentLength), nil
}

// DownloadAt fills buf with the object data starting at offset.
func (m *Mirror) DownloadAt(key string, buf []byte, offset int64) error {
	if len(buf) == 0 {
		return nil
	}

	out, err := m.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Range:  aws.String(byteRange(offset, len(buf))),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}

	return nil
}

// HTTP range of n bytes at offset, the end is inclusive.
func byteRange(offset int64, n int) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+int64(n)-1)
}
