package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// Kind 是响应形态的标签，在分发前对每个响应只判定一次。
type Kind string

const (
	KindTextStream      Kind = "text-stream"
	KindBinaryMedia     Kind = "binary-media"
	KindStructuredMedia Kind = "structured-media-json"
	KindPlainJSON       Kind = "plain-json"
)

// readChunkSize 是流式读取每次 Read 的缓冲大小。
const readChunkSize = 4096

// plainJSONKeys 是普通 JSON 响应按优先级扫描的常见输出字段。
var plainJSONKeys = []string{"response", "result", "output", "text", "message", "content", "answer"}

// Result 是一次消费的最终产物：文本或可解析的媒体地址。
type Result struct {
	Kind      Kind
	Text      string
	MediaURL  string
	MediaKind string
	MimeType  string
}

// BlobStore 把媒体字节落为可解析的 URL，对应浏览器端的 object URL。
type BlobStore interface {
	StoreBlob(ctx context.Context, data []byte, mimeType string) (string, error)
}

// DataURLStore 是 BlobStore 的纯内存实现，把媒体编码为 data URL。
type DataURLStore struct{}

// StoreBlob 实现 BlobStore。
func (DataURLStore) StoreBlob(_ context.Context, data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Consumer 按响应形态消费 HTTP 响应体，流式文本按显示帧合并增量回调。
type Consumer struct {
	scheduler func() Scheduler
	blobs     BlobStore
}

// NewConsumer 创建消费器。schedulerFactory 为 nil 时每次消费使用默认帧调度器，
// blobs 为 nil 时媒体落为 data URL。
func NewConsumer(schedulerFactory func() Scheduler, blobs BlobStore) *Consumer {
	if schedulerFactory == nil {
		schedulerFactory = func() Scheduler { return NewFrameScheduler(0) }
	}
	if blobs == nil {
		blobs = DataURLStore{}
	}
	return &Consumer{scheduler: schedulerFactory, blobs: blobs}
}

// ResolveKind 根据 Content-Type 判定响应形态。
func ResolveKind(contentType string) Kind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "text/event-stream" || mediaType == "text/plain":
		return KindTextStream
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"):
		return KindBinaryMedia
	case mediaType == "application/json":
		return KindPlainJSON
	default:
		return KindTextStream
	}
}

// structuredEnvelope 是携带内嵌 base64 媒体的 JSON 响应结构。
type structuredEnvelope struct {
	Success  bool   `json:"success"`
	Data     string `json:"data"`
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	Error    string `json:"error"`
}

// Consume 读取响应体并交付结果。onIncrement 在流式文本分支按帧合并调用，
// 携带到当前为止的全部累积文本；onFinal 对所有分支恰好调用一次。
// 空的流式响应是合法的空结果而非错误。
func (c *Consumer) Consume(ctx context.Context, resp *http.Response, onIncrement func(string), onFinal func(Result)) (Result, error) {
	if resp == nil || resp.Body == nil {
		return Result{}, xerrors.New(xerrors.CodeStreamReadFailed, "响应体为空")
	}
	defer resp.Body.Close()

	kind := ResolveKind(resp.Header.Get("Content-Type"))
	switch kind {
	case KindBinaryMedia:
		return c.consumeBinary(ctx, resp, onFinal)
	case KindPlainJSON:
		return c.consumeJSON(ctx, resp, onFinal)
	default:
		return c.consumeText(ctx, resp, onIncrement, onFinal)
	}
}

// consumeText 逐块读取流式文本。两帧之间到达的多个数据块合并为一次
// 增量回调；读取结束后取消挂起的调度，再同步交付完整文本，保证最后
// 一块与终止信号同帧到达时也不丢尾部字节。
func (c *Consumer) consumeText(ctx context.Context, resp *http.Response, onIncrement func(string), onFinal func(Result)) (Result, error) {
	sched := c.scheduler()
	defer sched.Cancel()

	var accumulated strings.Builder
	buf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			// 调用方已离场：停止回调，读取不再继续。
			sched.Cancel()
			return Result{}, ctx.Err()
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			accumulated.Write(buf[:n])
			if onIncrement != nil {
				snapshot := accumulated.String()
				sched.Schedule(func() { onIncrement(snapshot) })
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			sched.Cancel()
			return Result{}, xerrors.Wrap(xerrors.CodeStreamReadFailed, err, "")
		}
	}

	sched.Cancel()
	final := accumulated.String()
	if onIncrement != nil {
		onIncrement(final)
	}
	result := Result{Kind: KindTextStream, Text: final}
	if onFinal != nil {
		onFinal(result)
	}
	return result, nil
}

// consumeBinary 把二进制媒体整体读出并落为可解析 URL。
func (c *Consumer) consumeBinary(ctx context.Context, resp *http.Response, onFinal func(Result)) (Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStreamReadFailed, err, "")
	}
	mimeType, _, parseErr := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if parseErr != nil {
		mimeType = resp.Header.Get("Content-Type")
	}
	url, err := c.blobs.StoreBlob(ctx, data, mimeType)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		Kind:      KindBinaryMedia,
		MediaURL:  url,
		MediaKind: mediaKindOf(mimeType),
		MimeType:  mimeType,
	}
	if onFinal != nil {
		onFinal(result)
	}
	return result, nil
}

// consumeJSON 先尝试内嵌媒体信封，再按常见输出字段取文本，最后退回
// 整个 JSON 的字符串形式。
func (c *Consumer) consumeJSON(ctx context.Context, resp *http.Response, onFinal func(Result)) (Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStreamReadFailed, err, "")
	}

	var envelope structuredEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Data != "" && envelope.MimeType != "" {
		if !envelope.Success {
			message := envelope.Error
			if message == "" {
				message = "上游返回失败响应"
			}
			return Result{}, xerrors.New(xerrors.CodeRequestFailed, message)
		}
		blob, err := base64.StdEncoding.DecodeString(envelope.Data)
		if err != nil {
			return Result{}, xerrors.Wrap(xerrors.CodeStreamReadFailed, err, "解码内嵌媒体失败")
		}
		url, err := c.blobs.StoreBlob(ctx, blob, envelope.MimeType)
		if err != nil {
			return Result{}, err
		}
		mediaKind := envelope.Type
		if mediaKind == "" {
			mediaKind = mediaKindOf(envelope.MimeType)
		}
		result := Result{
			Kind:      KindStructuredMedia,
			MediaURL:  url,
			MediaKind: mediaKind,
			MimeType:  envelope.MimeType,
		}
		if onFinal != nil {
			onFinal(result)
		}
		return result, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err == nil {
		if rawErr, ok := generic["error"]; ok {
			var message string
			if json.Unmarshal(rawErr, &message) == nil && message != "" {
				return Result{}, xerrors.New(xerrors.CodeRequestFailed, message)
			}
		}
		for _, key := range plainJSONKeys {
			raw, ok := generic[key]
			if !ok {
				continue
			}
			var text string
			if err := json.Unmarshal(raw, &text); err == nil {
				result := Result{Kind: KindPlainJSON, Text: text}
				if onFinal != nil {
					onFinal(result)
				}
				return result, nil
			}
		}
	}

	result := Result{Kind: KindPlainJSON, Text: strings.TrimSpace(string(data))}
	if onFinal != nil {
		onFinal(result)
	}
	return result, nil
}

func mediaKindOf(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return fmt.Sprintf("media(%s)", mimeType)
	}
}
