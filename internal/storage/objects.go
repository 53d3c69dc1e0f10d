package storage

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/tailscale/hujson"
)

// TextObject 对应 .txt 条目。
type TextObject struct {
	name string
	Text string
}

func (o *TextObject) Name() string { return o.name }

// JSONObject 对应 .json/.jsonc 条目，Raw 已被标准化为严格 JSON（去掉注释与尾逗号）。
type JSONObject struct {
	name string
	Raw  json.RawMessage
}

func (o *JSONObject) Name() string { return o.name }

// Decode 将 Raw 反序列化到 v。
func (o *JSONObject) Decode(v any) error {
	return json.Unmarshal(o.Raw, v)
}

// BlobObject 是未注册扩展名的兜底类型，保留原始字节。
type BlobObject struct {
	name string
	Data []byte
}

func (o *BlobObject) Name() string { return o.name }

// Decoder 将条目字节解码为 Object。
type Decoder func(name string, data []byte) (Object, error)

var decoders = newDecoderRegistry()

type decoderRegistry struct {
	mu    sync.RWMutex
	byExt map[string]Decoder
}

func newDecoderRegistry() *decoderRegistry {
	r := &decoderRegistry{byExt: make(map[string]Decoder)}
	r.mustRegister(".txt", decodeText)
	r.mustRegister(".json", decodeJSON)
	r.mustRegister(".jsonc", decodeJSON)
	return r
}

// RegisterDecoder 为扩展名注册解码器，重复注册返回错误。
func RegisterDecoder(ext string, dec Decoder) error {
	return decoders.register(ext, dec)
}

// MustRegisterDecoder 在注册失败时 panic，适合在 init() 中调用。
func MustRegisterDecoder(ext string, dec Decoder) {
	decoders.mustRegister(ext, dec)
}

// DecoderExtensions 返回已注册的扩展名，按字典序排列。
func DecoderExtensions() []string {
	decoders.mu.RLock()
	defer decoders.mu.RUnlock()
	keys := make([]string, 0, len(decoders.byExt))
	for key := range decoders.byExt {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func (r *decoderRegistry) register(ext string, dec Decoder) error {
	key := normalizeExt(ext)
	if key == "" {
		return fmt.Errorf("decoder extension is required")
	}
	if dec == nil {
		return fmt.Errorf("decoder for %s is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byExt[key]; exists {
		return fmt.Errorf("decoder %s already registered", key)
	}
	r.byExt[key] = dec
	return nil
}

func (r *decoderRegistry) mustRegister(ext string, dec Decoder) {
	if err := r.register(ext, dec); err != nil {
		panic(err)
	}
}

func (r *decoderRegistry) decode(name string, data []byte) (Object, error) {
	r.mu.RLock()
	dec, ok := r.byExt[normalizeExt(path.Ext(name))]
	r.mu.RUnlock()
	if !ok {
		return &BlobObject{name: name, Data: data}, nil
	}
	return dec(name, data)
}

func decodeText(name string, data []byte) (Object, error) {
	return &TextObject{name: name, Text: string(data)}, nil
}

func decodeJSON(name string, data []byte) (Object, error) {
	standardized, err := hujson.Standardize(append([]byte(nil), data...))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &JSONObject{name: name, Raw: json.RawMessage(standardized)}, nil
}
