package asset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
)

const (
	glbMagic     = 0x46546C67 // "glTF"
	glbVersion   = 2
	chunkJSON    = 0x4E4F534A
	chunkBIN     = 0x004E4942
	compFloat    = 5126
	compUint32   = 5125
	targetArray  = 34962
	targetIndex  = 34963
	modeTriangle = 4
)

// toYUp maps the generator's z-up mesh frame to glTF's y-up frame:
// (x, y, z) -> (x, z, -y).
var toYUp = [3][3]float64{
	{1, 0, 0},
	{0, 0, 1},
	{0, -1, 0},
}

type gltfDoc struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       int              `json:"scene"`
	Scenes      []gltfScene      `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes"`
	Buffers     []gltfBuffer     `json:"buffers"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Accessors   []gltfAccessor   `json:"accessors"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Mesh int `json:"mesh"`
}

type gltfMesh struct {
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    int            `json:"indices"`
	Mode       int            `json:"mode"`
}

type gltfBuffer struct {
	ByteLength int `json:"byteLength"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	Target     int `json:"target"`
}

type gltfAccessor struct {
	BufferView    int       `json:"bufferView"`
	ComponentType int       `json:"componentType"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float32 `json:"min,omitempty"`
	Max           []float32 `json:"max,omitempty"`
}

// WriteGLB writes m as an untextured binary glTF 2.0 file with positions,
// vertex normals and a triangle index buffer.
func WriteGLB(out io.Writer, m *Mesh) error {
	if err := m.Validate(); err != nil {
		return err
	}

	oriented := &Mesh{Vertices: make([]float32, len(m.Vertices)), Faces: m.Faces}
	for i := 0; i < m.VertexCount(); i++ {
		p := mulVec(toYUp, m.vertex(i))
		oriented.Vertices[3*i] = float32(p[0])
		oriented.Vertices[3*i+1] = float32(p[1])
		oriented.Vertices[3*i+2] = float32(p[2])
	}
	normals := oriented.VertexNormals()

	var bin bytes.Buffer
	posLen := writeFloats(&bin, oriented.Vertices)
	nrmLen := writeFloats(&bin, normals)
	idxLen := 4 * len(m.Faces)
	for _, f := range m.Faces {
		_ = binary.Write(&bin, binary.LittleEndian, uint32(f))
	}
	pad(&bin, 0)

	lo, hi := oriented.Bounds()
	doc := gltfDoc{
		Asset:  gltfAsset{Version: "2.0", Generator: "splatforge"},
		Scenes: []gltfScene{{Nodes: []int{0}}},
		Nodes:  []gltfNode{{Mesh: 0}},
		Meshes: []gltfMesh{{Primitives: []gltfPrimitive{{
			Attributes: map[string]int{"POSITION": 0, "NORMAL": 1},
			Indices:    2,
			Mode:       modeTriangle,
		}}}},
		Buffers: []gltfBuffer{{ByteLength: bin.Len()}},
		BufferViews: []gltfBufferView{
			{Buffer: 0, ByteOffset: 0, ByteLength: posLen, Target: targetArray},
			{Buffer: 0, ByteOffset: posLen, ByteLength: nrmLen, Target: targetArray},
			{Buffer: 0, ByteOffset: posLen + nrmLen, ByteLength: idxLen, Target: targetIndex},
		},
		Accessors: []gltfAccessor{
			{BufferView: 0, ComponentType: compFloat, Count: m.VertexCount(), Type: "VEC3", Min: lo[:], Max: hi[:]},
			{BufferView: 1, ComponentType: compFloat, Count: m.VertexCount(), Type: "VEC3"},
			{BufferView: 2, ComponentType: compUint32, Count: len(m.Faces), Type: "SCALAR"},
		},
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	jsonChunk := bytes.NewBuffer(js)
	pad(jsonChunk, ' ')

	total := 12 + 8 + jsonChunk.Len() + 8 + bin.Len()
	w := bufio.NewWriter(out)
	for _, v := range []uint32{glbMagic, glbVersion, uint32(total), uint32(jsonChunk.Len()), chunkJSON} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := w.Write(jsonChunk.Bytes()); err != nil {
		return err
	}
	for _, v := range []uint32{uint32(bin.Len()), chunkBIN} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := w.Write(bin.Bytes()); err != nil {
		return err
	}
	return w.Flush()
}

func writeFloats(buf *bytes.Buffer, vals []float32) int {
	var b [4]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return 4 * len(vals)
}

// pad extends buf to a multiple of four bytes, as every GLB chunk requires.
func pad(buf *bytes.Buffer, fill byte) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(fill)
	}
}
