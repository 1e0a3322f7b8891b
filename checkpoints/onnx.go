package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gograd/gograd/layers"
)

// ONNX serialization, hand-encoded with the protowire package against the
// onnx.proto schema. Only the operator subset this framework produces is
// supported: Conv, MaxPool, Gemm, Relu, Softmax, Flatten, and
// BatchNormalization. Dropout layers are omitted on export since they are
// identity at inference time, and restored specs therefore lack them.

const (
	onnxIRVersion    = 8
	onnxOpsetVersion = 13

	// TensorProto.DataType
	onnxFloat = 1

	// AttributeProto.AttributeType
	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

// ModelProto field numbers.
const (
	fieldModelIRVersion    = 1
	fieldModelProducerName = 2
	fieldModelProducerVer  = 3
	fieldModelGraph        = 7
	fieldModelOpsetImport  = 8
)

// GraphProto field numbers.
const (
	fieldGraphNode        = 1
	fieldGraphName        = 2
	fieldGraphInitializer = 5
	fieldGraphInput       = 11
	fieldGraphOutput      = 12
)

// NodeProto field numbers.
const (
	fieldNodeInput     = 1
	fieldNodeOutput    = 2
	fieldNodeName      = 3
	fieldNodeOpType    = 4
	fieldNodeAttribute = 5
)

// AttributeProto field numbers.
const (
	fieldAttrName = 1
	fieldAttrF    = 2
	fieldAttrI    = 3
	fieldAttrInts = 8
	fieldAttrType = 20
)

// TensorProto field numbers.
const (
	fieldTensorDims     = 1
	fieldTensorDataType = 2
	fieldTensorName     = 8
	fieldTensorRawData  = 9
)

// ValueInfoProto and nested type field numbers.
const (
	fieldValueInfoName = 1
	fieldValueInfoType = 2
	fieldTypeTensor    = 1
	fieldTensorElem    = 1
	fieldTensorShape   = 2
	fieldShapeDim      = 1
	fieldDimValue      = 1
)

// OperatorSetIdProto field numbers.
const (
	fieldOpsetVersion = 2
)

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	return appendBytesField(b, num, []byte(v))
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeIntAttr(name string, v int64) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	b = protowire.AppendTag(b, fieldAttrI, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v))
	b = appendVarintField(b, fieldAttrType, attrInt)
	return b
}

func encodeFloatAttr(name string, v float32) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	b = protowire.AppendTag(b, fieldAttrF, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	b = appendVarintField(b, fieldAttrType, attrFloat)
	return b
}

func encodeIntsAttr(name string, vs []int64) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = appendBytesField(b, fieldAttrInts, packed)
	b = appendVarintField(b, fieldAttrType, attrInts)
	return b
}

func encodeTensor(name string, shape []int, data []float32) []byte {
	var b []byte
	var dims []byte
	for _, d := range shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = appendBytesField(b, fieldTensorDims, dims)
	b = appendVarintField(b, fieldTensorDataType, onnxFloat)
	b = appendStringField(b, fieldTensorName, name)

	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	b = appendBytesField(b, fieldTensorRawData, raw)
	return b
}

func encodeValueInfo(name string, shape []int) []byte {
	var shapeMsg []byte
	for _, d := range shape {
		var dim []byte
		dim = appendVarintField(dim, fieldDimValue, uint64(d))
		shapeMsg = appendBytesField(shapeMsg, fieldShapeDim, dim)
	}

	var tensorType []byte
	tensorType = appendVarintField(tensorType, fieldTensorElem, onnxFloat)
	tensorType = appendBytesField(tensorType, fieldTensorShape, shapeMsg)

	var typeMsg []byte
	typeMsg = appendBytesField(typeMsg, fieldTypeTensor, tensorType)

	var b []byte
	b = appendStringField(b, fieldValueInfoName, name)
	b = appendBytesField(b, fieldValueInfoType, typeMsg)
	return b
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   [][]byte
}

func (n *onnxNode) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendStringField(b, fieldNodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendStringField(b, fieldNodeOutput, out)
	}
	b = appendStringField(b, fieldNodeName, n.name)
	b = appendStringField(b, fieldNodeOpType, n.opType)
	for _, attr := range n.attrs {
		b = appendBytesField(b, fieldNodeAttribute, attr)
	}
	return b
}

// saveONNX converts a checkpoint's graph and weights to an ONNX model file.
func saveONNX(checkpoint *Checkpoint, path string) error {
	spec := checkpoint.ModelSpec
	if spec == nil || !spec.Compiled {
		return fmt.Errorf("ONNX export requires a compiled model spec")
	}

	weightsByName := make(map[string]*WeightTensor, len(checkpoint.Weights))
	for i := range checkpoint.Weights {
		weightsByName[checkpoint.Weights[i].Name] = &checkpoint.Weights[i]
	}

	var nodes []*onnxNode
	var initializers [][]byte
	current := "input"

	initializer := func(layer, role string) (string, error) {
		name := layer + "." + role
		wt, ok := weightsByName[name]
		if !ok {
			return "", fmt.Errorf("checkpoint missing weight %s", name)
		}
		initializers = append(initializers, encodeTensor(name, wt.Shape, wt.Data))
		return name, nil
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		out := ls.Name + "_out"
		node := &onnxNode{name: ls.Name, outputs: []string{out}}

		switch ls.Type {
		case layers.Conv2D:
			k, _ := ls.IntParam("kernel_size")
			stride, _ := ls.IntParam("stride")
			if stride <= 0 {
				stride = 1
			}
			pad, _ := ls.IntParam("padding")
			node.opType = "Conv"
			node.inputs = []string{current}
			w, err := initializer(ls.Name, "weight")
			if err != nil {
				return err
			}
			node.inputs = append(node.inputs, w)
			if ls.BoolParam("use_bias", true) {
				b, err := initializer(ls.Name, "bias")
				if err != nil {
					return err
				}
				node.inputs = append(node.inputs, b)
			}
			node.attrs = [][]byte{
				encodeIntsAttr("kernel_shape", []int64{int64(k), int64(k)}),
				encodeIntsAttr("strides", []int64{int64(stride), int64(stride)}),
				encodeIntsAttr("pads", []int64{int64(pad), int64(pad), int64(pad), int64(pad)}),
			}

		case layers.Dense:
			node.opType = "Gemm"
			node.inputs = []string{current}
			w, err := initializer(ls.Name, "weight")
			if err != nil {
				return err
			}
			node.inputs = append(node.inputs, w)
			if ls.BoolParam("use_bias", true) {
				b, err := initializer(ls.Name, "bias")
				if err != nil {
					return err
				}
				node.inputs = append(node.inputs, b)
			}
			node.attrs = [][]byte{
				encodeFloatAttr("alpha", 1),
				encodeFloatAttr("beta", 1),
			}

		case layers.MaxPool2D:
			k, _ := ls.IntParam("pool_size")
			stride, _ := ls.IntParam("stride")
			if stride <= 0 {
				stride = k
			}
			node.opType = "MaxPool"
			node.inputs = []string{current}
			node.attrs = [][]byte{
				encodeIntsAttr("kernel_shape", []int64{int64(k), int64(k)}),
				encodeIntsAttr("strides", []int64{int64(stride), int64(stride)}),
			}

		case layers.ReLU:
			node.opType = "Relu"
			node.inputs = []string{current}

		case layers.Softmax:
			node.opType = "Softmax"
			node.inputs = []string{current}
			node.attrs = [][]byte{encodeIntAttr("axis", 1)}

		case layers.Flatten:
			node.opType = "Flatten"
			node.inputs = []string{current}
			node.attrs = [][]byte{encodeIntAttr("axis", 1)}

		case layers.BatchNorm:
			eps, _ := ls.FloatParam("eps")
			momentum, _ := ls.FloatParam("momentum")
			node.opType = "BatchNormalization"
			node.inputs = []string{current}
			for _, role := range []string{"gamma", "beta", "running_mean", "running_var"} {
				in, err := initializer(ls.Name, role)
				if err != nil {
					return err
				}
				node.inputs = append(node.inputs, in)
			}
			node.attrs = [][]byte{
				encodeFloatAttr("epsilon", float32(eps)),
				encodeFloatAttr("momentum", float32(1-momentum)),
			}

		case layers.Dropout:
			continue // identity at inference

		default:
			return fmt.Errorf("layer %s: unsupported type %s for ONNX export", ls.Name, ls.Type)
		}

		nodes = append(nodes, node)
		current = out
	}
	if len(nodes) == 0 {
		return fmt.Errorf("model has no exportable layers")
	}

	var graph []byte
	for _, node := range nodes {
		graph = appendBytesField(graph, fieldGraphNode, node.encode())
	}
	graph = appendStringField(graph, fieldGraphName, "gograd")
	for _, init := range initializers {
		graph = appendBytesField(graph, fieldGraphInitializer, init)
	}
	graph = appendBytesField(graph, fieldGraphInput, encodeValueInfo("input", spec.InputShape))
	graph = appendBytesField(graph, fieldGraphOutput, encodeValueInfo(current, spec.OutputShape))

	var opset []byte
	opset = appendVarintField(opset, fieldOpsetVersion, onnxOpsetVersion)

	var model []byte
	model = appendVarintField(model, fieldModelIRVersion, onnxIRVersion)
	model = appendStringField(model, fieldModelProducerName, "gograd")
	model = appendStringField(model, fieldModelProducerVer, "1.0")
	model = appendBytesField(model, fieldModelGraph, graph)
	model = appendBytesField(model, fieldModelOpsetImport, opset)

	if err := os.WriteFile(path, model, 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

// --- decoding ---

type decodedTensor struct {
	name string
	dims []int
	data []float32
}

type decodedAttr struct {
	name string
	f    float32
	i    int64
	ints []int64
}

type decodedNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   map[string]decodedAttr
}

type decodedGraph struct {
	nodes        []decodedNode
	initializers map[string]decodedTensor
	inputShape   []int
}

// loadONNX reads an ONNX model produced by saveONNX back into a checkpoint.
// It understands only the operator subset this framework exports.
func loadONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}

	var graphBytes []byte
	if err := walkFields(data, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		if num == fieldModelGraph && typ == protowire.BytesType {
			graphBytes = val
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("malformed ONNX model: %v", err)
	}
	if graphBytes == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	graph, err := decodeGraph(graphBytes)
	if err != nil {
		return nil, err
	}
	return graphToCheckpoint(graph)
}

// walkFields iterates the top-level fields of one protobuf message. Bytes
// fields pass their payload in val; varint fields pass the value in u.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, nil, uint64(v)); err != nil {
				return err
			}
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeGraph(b []byte) (*decodedGraph, error) {
	graph := &decodedGraph{initializers: make(map[string]decodedTensor)}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		switch num {
		case fieldGraphNode:
			node, err := decodeNode(val)
			if err != nil {
				return err
			}
			graph.nodes = append(graph.nodes, node)
		case fieldGraphInitializer:
			t, err := decodeTensorProto(val)
			if err != nil {
				return err
			}
			graph.initializers[t.name] = t
		case fieldGraphInput:
			shape, err := decodeValueInfoShape(val)
			if err != nil {
				return err
			}
			graph.inputShape = shape
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("malformed ONNX graph: %v", err)
	}
	return graph, nil
}

func decodeNode(b []byte) (decodedNode, error) {
	node := decodedNode{attrs: make(map[string]decodedAttr)}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		switch num {
		case fieldNodeInput:
			node.inputs = append(node.inputs, string(val))
		case fieldNodeOutput:
			node.outputs = append(node.outputs, string(val))
		case fieldNodeName:
			node.name = string(val)
		case fieldNodeOpType:
			node.opType = string(val)
		case fieldNodeAttribute:
			attr, err := decodeAttr(val)
			if err != nil {
				return err
			}
			node.attrs[attr.name] = attr
		}
		return nil
	})
	return node, err
}

func decodeAttr(b []byte) (decodedAttr, error) {
	var attr decodedAttr
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		switch num {
		case fieldAttrName:
			attr.name = string(val)
		case fieldAttrF:
			attr.f = math.Float32frombits(uint32(u))
		case fieldAttrI:
			attr.i = int64(u)
		case fieldAttrInts:
			if typ == protowire.VarintType {
				attr.ints = append(attr.ints, int64(u))
				return nil
			}
			for len(val) > 0 {
				v, n := protowire.ConsumeVarint(val)
				if n < 0 {
					return protowire.ParseError(n)
				}
				attr.ints = append(attr.ints, int64(v))
				val = val[n:]
			}
		}
		return nil
	})
	return attr, err
}

func decodeTensorProto(b []byte) (decodedTensor, error) {
	var t decodedTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		switch num {
		case fieldTensorDims:
			if typ == protowire.VarintType {
				t.dims = append(t.dims, int(u))
				return nil
			}
			for len(val) > 0 {
				v, n := protowire.ConsumeVarint(val)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.dims = append(t.dims, int(v))
				val = val[n:]
			}
		case fieldTensorDataType:
			if u != onnxFloat {
				return fmt.Errorf("unsupported tensor data type %d", u)
			}
		case fieldTensorName:
			t.name = string(val)
		case fieldTensorRawData:
			if len(val)%4 != 0 {
				return fmt.Errorf("raw tensor data length %d not a multiple of 4", len(val))
			}
			t.data = make([]float32, len(val)/4)
			for i := range t.data {
				t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(val[i*4:]))
			}
		}
		return nil
	})
	return t, err
}

func decodeValueInfoShape(b []byte) ([]int, error) {
	var shape []int
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
		if num != fieldValueInfoType {
			return nil
		}
		return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
			if num != fieldTypeTensor {
				return nil
			}
			return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
				if num != fieldTensorShape {
					return nil
				}
				return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
					if num != fieldShapeDim {
						return nil
					}
					return walkFields(val, func(num protowire.Number, typ protowire.Type, val []byte, u uint64) error {
						if num == fieldDimValue {
							shape = append(shape, int(u))
						}
						return nil
					})
				})
			})
		})
	})
	return shape, err
}

// graphToCheckpoint rebuilds a model spec and weight list from a decoded
// graph.
func graphToCheckpoint(graph *decodedGraph) (*Checkpoint, error) {
	if len(graph.inputShape) < 2 {
		return nil, fmt.Errorf("ONNX graph input shape %v is unusable", graph.inputShape)
	}

	mb := layers.NewModelBuilder(graph.inputShape)
	var weights []WeightTensor

	addWeight := func(layer, initName string) error {
		t, ok := graph.initializers[initName]
		if !ok {
			return fmt.Errorf("missing initializer %s", initName)
		}
		role := initName
		if idx := strings.LastIndex(initName, "."); idx >= 0 {
			role = initName[idx+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  layer + "." + role,
			Layer: layer,
			Role:  role,
			Shape: t.dims,
			Data:  t.data,
		})
		return nil
	}

	for _, node := range graph.nodes {
		switch node.opType {
		case "Conv":
			if len(node.inputs) < 2 {
				return nil, fmt.Errorf("node %s: Conv needs a weight input", node.name)
			}
			w, ok := graph.initializers[node.inputs[1]]
			if !ok || len(w.dims) != 4 {
				return nil, fmt.Errorf("node %s: missing or malformed weight initializer", node.name)
			}
			kernel := w.dims[2]
			stride, pad := 1, 0
			if a, ok := node.attrs["strides"]; ok && len(a.ints) > 0 {
				stride = int(a.ints[0])
			}
			if a, ok := node.attrs["pads"]; ok && len(a.ints) > 0 {
				pad = int(a.ints[0])
			}
			useBias := len(node.inputs) >= 3
			mb.AddConv2D(w.dims[0], kernel, stride, pad, useBias, node.name)
			for _, in := range node.inputs[1:] {
				if err := addWeight(node.name, in); err != nil {
					return nil, err
				}
			}

		case "Gemm":
			if len(node.inputs) < 2 {
				return nil, fmt.Errorf("node %s: Gemm needs a weight input", node.name)
			}
			w, ok := graph.initializers[node.inputs[1]]
			if !ok || len(w.dims) != 2 {
				return nil, fmt.Errorf("node %s: missing or malformed weight initializer", node.name)
			}
			useBias := len(node.inputs) >= 3
			mb.AddDense(w.dims[1], useBias, node.name)
			for _, in := range node.inputs[1:] {
				if err := addWeight(node.name, in); err != nil {
					return nil, err
				}
			}

		case "MaxPool":
			k, stride := 2, 0
			if a, ok := node.attrs["kernel_shape"]; ok && len(a.ints) > 0 {
				k = int(a.ints[0])
			}
			if a, ok := node.attrs["strides"]; ok && len(a.ints) > 0 {
				stride = int(a.ints[0])
			}
			mb.AddMaxPool2D(k, stride, node.name)

		case "Relu":
			mb.AddReLU(node.name)

		case "Softmax":
			mb.AddSoftmax(node.name)

		case "Flatten":
			mb.AddFlatten(node.name)

		case "BatchNormalization":
			if len(node.inputs) != 5 {
				return nil, fmt.Errorf("node %s: BatchNormalization needs 5 inputs, got %d", node.name, len(node.inputs))
			}
			gamma, ok := graph.initializers[node.inputs[1]]
			if !ok {
				return nil, fmt.Errorf("node %s: missing scale initializer", node.name)
			}
			eps := 1e-5
			if a, ok := node.attrs["epsilon"]; ok {
				eps = float64(a.f)
			}
			momentum := 0.1
			if a, ok := node.attrs["momentum"]; ok {
				momentum = 1 - float64(a.f)
			}
			mb.AddBatchNorm(len(gamma.data), eps, momentum, node.name)
			for _, in := range node.inputs[1:] {
				if err := addWeight(node.name, in); err != nil {
					return nil, err
				}
			}

		default:
			return nil, fmt.Errorf("node %s: unsupported op type %s", node.name, node.opType)
		}
	}

	spec, err := mb.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model spec: %v", err)
	}
	return &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Framework: "gograd",
			Version:   "1.0",
		},
	}, nil
}
