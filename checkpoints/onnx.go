package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto. Only the subset needed to carry the model
// weights as graph initializers is written.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType  protowire.Number = 1
	tensorElemType  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
	dimParam        protowire.Number = 2

	onnxFloat = 1
)

// ONNXExporter writes checkpoint weights as an ONNX model whose graph
// carries every parameter as a named initializer.
type ONNXExporter struct {
	fs afero.Fs
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter(fs afero.Fs) *ONNXExporter {
	return &ONNXExporter{fs: fs}
}

// ExportToONNX serializes the checkpoint to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	stampMetadata(checkpoint)

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = appendString(model, modelProducerName, checkpoint.Metadata.Framework)
	model = appendString(model, modelProducerVersion, checkpoint.Metadata.Version)
	model = protowire.AppendTag(model, modelVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, uint64(checkpoint.TrainingState.Epoch))
	model = appendString(model, modelDocString, fmt.Sprintf("backbone=%s embed=%d extd=%d fold=%d",
		checkpoint.Model.Backbone, checkpoint.Model.EmbedDim, checkpoint.Model.Extd, checkpoint.TrainingState.Fold))

	var opset []byte
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 13)
	model = appendMessage(model, modelOpsetImport, opset)

	model = appendMessage(model, modelGraph, oe.buildGraph(checkpoint))

	if err := afero.WriteFile(oe.fs, path, model, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) []byte {
	var graph []byte
	graph = appendString(graph, graphName, "attention-gated-mil")

	// Input: patches [N, 3, size, size] with a symbolic batch.
	size := checkpoint.Model.InputSize
	graph = appendMessage(graph, graphInput, valueInfo("patches", []interface{}{"N", 3, size, size}))

	for _, w := range checkpoint.Weights {
		graph = appendMessage(graph, graphInitializer, tensorProto(w))
	}
	return graph
}

func tensorProto(w WeightTensor) []byte {
	var t []byte
	for _, d := range w.Shape {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(d))
	}
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, onnxFloat)
	t = appendString(t, tensorName, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	t = protowire.AppendTag(t, tensorRawData, protowire.BytesType)
	t = protowire.AppendBytes(t, raw)
	return t
}

func valueInfo(name string, dims []interface{}) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		switch v := d.(type) {
		case int:
			dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(v))
		case string:
			dim = appendString(dim, dimParam, v)
		}
		shape = appendMessage(shape, shapeDim, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, tensorElemType, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, onnxFloat)
	tensorType = appendMessage(tensorType, tensorTypeShape, shape)

	var typ []byte
	typ = appendMessage(typ, typeTensorType, tensorType)

	var info []byte
	info = appendString(info, valueInfoName, name)
	info = appendMessage(info, valueInfoType, typ)
	return info
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ONNXImporter reads the initializers of an ONNX model back into a checkpoint
type ONNXImporter struct {
	fs afero.Fs
}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter(fs afero.Fs) *ONNXImporter {
	return &ONNXImporter{fs: fs}
}

// ImportFromONNX converts an ONNX model to a weights-only checkpoint
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(oi.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}

	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-mil",
			CreatedAt: time.Now(),
		},
	}

	err = walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			checkpoint.Metadata.Description = fmt.Sprintf("Imported from ONNX (producer: %s)", v)
		case num == modelGraph && typ == protowire.BytesType:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != graphInitializer || typ != protowire.BytesType {
					return nil
				}
				w, err := parseTensor(v)
				if err != nil {
					return err
				}
				checkpoint.Weights = append(checkpoint.Weights, w)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ONNX model %s", path)
	}
	return checkpoint, nil
}

func parseTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	var raw []byte
	var floats []float32
	dataType := uint64(onnxFloat)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int(n))
				return nil
			}
			// packed repeated int64
			for len(v) > 0 {
				d, l := protowire.ConsumeVarint(v)
				if l < 0 {
					return protowire.ParseError(l)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[l:]
			}
		case tensorDataType:
			dataType = n
		case tensorName:
			w.Name = string(v)
		case tensorRawData:
			raw = v
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				floats = append(floats, math.Float32frombits(uint32(n)))
				return nil
			}
			for i := 0; i+4 <= len(v); i += 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
			}
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	if dataType != onnxFloat {
		return w, errors.Errorf("initializer %s has unsupported data type %d", w.Name, dataType)
	}

	if raw != nil {
		floats = make([]float32, len(raw)/4)
		for i := range floats {
			floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	w.Data = floats
	if dot := strings.LastIndex(w.Name, "."); dot >= 0 {
		w.Layer, w.Type = w.Name[:dot], w.Name[dot+1:]
	}
	return w, nil
}

// walkFields calls fn for every top-level field of a protobuf message. For
// length-delimited fields v holds the payload, for varint and fixed fields n
// holds the value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return protowire.ParseError(l)
		}
		b = b[l:]

		var v []byte
		var n uint64
		switch typ {
		case protowire.VarintType:
			n, l = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, l = protowire.ConsumeFixed32(b)
			n = uint64(x)
		case protowire.Fixed64Type:
			n, l = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, l = protowire.ConsumeBytes(b)
		default:
			l = protowire.ConsumeFieldValue(num, typ, b)
		}
		if l < 0 {
			return protowire.ParseError(l)
		}
		b = b[l:]

		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
