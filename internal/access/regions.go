package access

// BuiltinRegions is the region vocabulary the association operates in. The
// migration seeds load the same list into Postgres; the memory store starts
// from it directly.
var BuiltinRegions = []Region{
	{Code: "metropolitana", Name: "Región Metropolitana", Active: true},
	{Code: "ohiggins", Name: "Región de O'Higgins", Active: true},
	{Code: "maule", Name: "Región del Maule", Active: true},
	{Code: "nuble", Name: "Región de Ñuble", Active: true},
	{Code: "biobio", Name: "Región del Biobío", Active: true},
	{Code: "araucania", Name: "Región de La Araucanía", Active: true},
	{Code: "los_rios", Name: "Región de Los Ríos", Active: true},
	{Code: "los_lagos", Name: "Región de Los Lagos", Active: true},
	{Code: "aysen", Name: "Región de Aysén", Active: true},
	{Code: "magallanes", Name: "Región de Magallanes", Active: true},
}
