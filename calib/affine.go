package calib

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// TransformPoint applies an affine transform to a point
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// affineFromParams reads a parameter block in the order (A, B, Tx, C, D, Ty)
func affineFromParams(p []float64) AffineMatrix {
	return AffineMatrix{A: p[0], B: p[1], Tx: p[2], C: p[3], D: p[4], Ty: p[5]}
}
